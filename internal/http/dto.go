package http

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"pesa/internal/core"
	"pesa/internal/services"
)

type bucketDTO struct {
	Label   string     `json:"label"`
	Start   time.Time  `json:"start"`
	End     time.Time  `json:"end"`
	Income  core.Money `json:"income"`
	Expense core.Money `json:"expense"`
	Net     core.Money `json:"net"`
}

type aggregateDTO struct {
	Window      string      `json:"window"`
	Granularity string      `json:"granularity"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Income      core.Money  `json:"income"`
	Expense     core.Money  `json:"expense"`
	Buckets     []bucketDTO `json:"buckets"`
}

type progressDTO struct {
	NetSavings           core.Money  `json:"net_savings"`
	TargetSavings        core.Money  `json:"target_savings"`
	ProgressRatio        json.Number `json:"progress_ratio"`
	PresentationRatio    json.Number `json:"presentation_ratio"`
	Status               core.Status `json:"status"`
	StatusLabel          string      `json:"status_label"`
	Defined              bool        `json:"defined"`
	DailyTarget          core.Money  `json:"daily_target"`
	ExpectedSavingsByNow core.Money  `json:"expected_savings_by_now"`
}

type entryDTO struct {
	ID          int64      `json:"id"`
	TimestampMs int64      `json:"timestamp_ms"`
	Time        time.Time  `json:"time"`
	Amount      core.Money `json:"amount"`
	Counterpart string     `json:"counterpart"`
	Kind        core.Kind  `json:"kind"`
}

type counterpartDTO struct {
	Counterpart string     `json:"counterpart"`
	Count       int        `json:"count"`
	Total       core.Money `json:"total"`
}

type insightsDTO struct {
	// MostExpensive only ever holds a deduction.
	MostExpensive *entryDTO       `json:"most_expensive"`
	MostFrequent  *counterpartDTO `json:"most_frequent"`
}

type transactionsDTO struct {
	From    int64      `json:"from"`
	To      int64      `json:"to"`
	Count   int        `json:"count"`
	Entries []entryDTO `json:"entries"`
}

type dashboardDTO struct {
	Now      time.Time      `json:"now"`
	Views    []aggregateDTO `json:"views"`
	Progress progressDTO    `json:"progress"`
	Insights insightsDTO    `json:"insights"`
}

type balanceDTO struct {
	Balance core.Money `json:"balance"`
	Known   bool       `json:"known"`
}

type batchAcceptedDTO struct {
	BatchID  string `json:"batch_id"`
	Messages int    `json:"messages"`
}

// ratioNumber renders a ratio as a bare JSON number with four decimals.
func ratioNumber(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(4))
}

func toAggregateDTO(v services.ViewResult) aggregateDTO {
	out := aggregateDTO{
		Window:      string(v.View),
		Granularity: v.View.Granularity().String(),
		Start:       v.Period.Start,
		End:         v.Period.End,
		Income:      core.Zero,
		Expense:     core.Zero,
		Buckets:     make([]bucketDTO, 0, len(v.Buckets)),
	}
	for _, b := range v.Buckets {
		out.Income = out.Income.Add(b.Income)
		out.Expense = out.Expense.Add(b.Expense)
		out.Buckets = append(out.Buckets, bucketDTO{
			Label:   b.Label,
			Start:   b.Start,
			End:     b.End,
			Income:  b.Income,
			Expense: b.Expense,
			Net:     b.Net(),
		})
	}
	return out
}

func toProgressDTO(p core.TargetProgress) progressDTO {
	return progressDTO{
		NetSavings:           p.NetSavings,
		TargetSavings:        p.TargetSavings,
		ProgressRatio:        ratioNumber(p.ProgressRatio),
		PresentationRatio:    ratioNumber(p.PresentationRatio),
		Status:               p.Status,
		StatusLabel:          p.Status.Label(),
		Defined:              p.Defined,
		DailyTarget:          p.DailyTarget,
		ExpectedSavingsByNow: p.ExpectedSavingsByNow,
	}
}

func toEntryDTO(e core.LedgerEntry, loc *time.Location) entryDTO {
	return entryDTO{
		ID:          e.ID,
		TimestampMs: e.TimestampMillis,
		Time:        e.Time(loc),
		Amount:      e.Amount,
		Counterpart: e.Counterpart,
		Kind:        e.Kind,
	}
}

func toInsightsDTO(in core.Insights, loc *time.Location) insightsDTO {
	var out insightsDTO
	if in.MostExpensive != nil {
		e := toEntryDTO(*in.MostExpensive, loc)
		out.MostExpensive = &e
	}
	if in.MostFrequent != nil {
		out.MostFrequent = &counterpartDTO{
			Counterpart: in.MostFrequent.Counterpart,
			Count:       in.MostFrequent.Count,
			Total:       in.MostFrequent.Total,
		}
	}
	return out
}

func toDashboardDTO(d services.Dashboard, loc *time.Location) dashboardDTO {
	out := dashboardDTO{
		Now:      d.Now,
		Views:    make([]aggregateDTO, 0, len(d.Views)),
		Progress: toProgressDTO(d.Progress),
		Insights: toInsightsDTO(d.Insights, loc),
	}
	for _, v := range d.Views {
		out.Views = append(out.Views, toAggregateDTO(v))
	}
	return out
}
