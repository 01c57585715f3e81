package mcp

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/service/lifecycle"
)

// weiPerEther is 10^18.
var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// compactDataset keeps the fields an agent needs to choose and price a
// query. Prices are given in wei and ETH.
func compactDataset(d model.Dataset) map[string]any {
	return map[string]any{
		"id":            d.ID,
		"name":          d.Name,
		"description":   truncate(d.Description, 300),
		"size":          d.Size,
		"price_wei":     weiString(d.PricePerQuery),
		"price_eth":     formatEther(d.PricePerQuery),
		"total_queries": d.TotalQueries,
		"active":        d.Active,
		"owner":         d.Owner,
	}
}

func compactQuery(q model.Query) map[string]any {
	out := map[string]any{
		"query_id":   q.ID,
		"dataset_id": q.DatasetID,
		"query_type": q.Type.Key(),
		"status":     q.Status.String(),
		"price_wei":  weiString(q.Price),
	}
	if q.Status == model.StatusCompleted && q.Result != nil {
		out["result"] = q.Result.String()
	}
	return out
}

func compactSubmission(sub *lifecycle.Submission, out *lifecycle.Outcome, err error) map[string]any {
	res := map[string]any{
		"query_id":  sub.QueryID,
		"tx_hash":   sub.Tx.Hash,
		"paid_wei":  weiString(sub.Price),
		"mode":      sub.Mode,
		"fallback":  sub.Fallback,
		"resolved":  sub.Resolved,
		"completed": false,
	}
	if out != nil {
		res["status"] = out.Status.String()
		if out.Status == model.StatusCompleted && out.Result != nil {
			res["result"] = out.Result.String()
			res["completed"] = true
		}
	}
	if err != nil {
		res["note"] = model.Describe(err)
		switch {
		case sub.Resolved:
			res["next_step"] = fmt.Sprintf("call himitsu_query_status with query_id=%d; do not resubmit, the query is already paid", sub.QueryID)
		case sub.Tx.Hash != "":
			res["next_step"] = fmt.Sprintf("payment %s is unconfirmed; do not resubmit, ask an operator to resolve the transaction later", sub.Tx.Hash)
		}
	}
	return res
}

// formatEther renders wei as a decimal ETH amount without trailing zeros.
func formatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	s := new(big.Rat).SetFrac(wei, weiPerEther).FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func weiString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
