package integrity

import (
	"strings"
	"testing"
)

func TestLeafHash_PositionBound(t *testing.T) {
	if LeafHash(0, 42) == LeafHash(1, 42) {
		t.Fatal("same value at different positions should hash differently")
	}
	if LeafHash(3, 7) != LeafHash(3, 7) {
		t.Fatal("leaf hash not deterministic")
	}
	if len(LeafHash(0, 0)) != 64 {
		t.Fatal("expected 64-char hex SHA-256 leaf")
	}
}

func TestValuesRoot(t *testing.T) {
	if ValuesRoot(nil) != "" {
		t.Fatal("empty dataset should have no root")
	}

	root := ValuesRoot([]int64{100, 200, 300})
	if !strings.HasPrefix(root, "v1:") || len(root) != len("v1:")+64 {
		t.Fatalf("unexpected root format %q", root)
	}
	if root != ValuesRoot([]int64{100, 200, 300}) {
		t.Fatal("root not deterministic")
	}
	if root == ValuesRoot([]int64{300, 200, 100}) {
		t.Fatal("reordered values should change the root")
	}
	if root == ValuesRoot([]int64{100, 200, 301}) {
		t.Fatal("changed value should change the root")
	}
}

func TestValuesRoot_SingleValue(t *testing.T) {
	if got, want := ValuesRoot([]int64{5}), "v1:"+LeafHash(0, 5); got != want {
		t.Fatalf("single value root: got %q, want %q", got, want)
	}
}

func TestVerifyValues(t *testing.T) {
	values := []int64{4, 8, 15, 16, 23}
	root := ValuesRoot(values)
	if !VerifyValues(root, values) {
		t.Fatal("expected values to verify against their own root")
	}
	if VerifyValues(root, values[:4]) {
		t.Fatal("truncated dataset should not verify")
	}
	if VerifyValues("", nil) {
		t.Fatal("empty root should never verify")
	}
}

func TestBuildMerkleRoot_Empty(t *testing.T) {
	if root := BuildMerkleRoot(nil); root != "" {
		t.Fatalf("empty input should produce empty root, got %q", root)
	}
}

func TestBuildMerkleRoot_SingleLeaf(t *testing.T) {
	leaf := "abc123"
	if root := BuildMerkleRoot([]string{leaf}); root != leaf {
		t.Fatalf("single leaf should be the root: got %q, want %q", root, leaf)
	}
}

func TestBuildMerkleRoot_OrderMatters(t *testing.T) {
	if BuildMerkleRoot([]string{"a", "b", "c"}) == BuildMerkleRoot([]string{"b", "a", "c"}) {
		t.Fatal("different leaf ordering should produce different roots")
	}
}

func TestBuildMerkleRoot_OddLeafCount(t *testing.T) {
	root := BuildMerkleRoot([]string{"x", "y", "z"})
	if len(root) != 64 {
		t.Fatalf("expected 64-char hex SHA-256 root, got %d chars", len(root))
	}
	if root == BuildMerkleRoot([]string{"x", "y"}) {
		t.Fatal("dropping a leaf should change the root")
	}
}
