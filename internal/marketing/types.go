package marketing

import (
	"fmt"
	"strings"
	"time"
)

// Segment selects broadcast recipients.
type Segment string

const (
	SegmentAll          Segment = "all"
	SegmentTrial        Segment = "trial"
	SegmentSubscription Segment = "subscription"
	SegmentApproved     Segment = "approved"
)

func ParseSegment(raw string) (Segment, error) {
	s := Segment(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case SegmentAll, SegmentTrial, SegmentSubscription, SegmentApproved:
		return s, nil
	case "":
		return SegmentAll, nil
	}
	return "", fmt.Errorf("unknown segment: %s", raw)
}

// Recipient is an account reachable through the marketing bot.
type Recipient struct {
	AccountID  string
	Name       string
	ChatID     string
	TrialEndAt time.Time
}

// Failure describes one recipient that could not be reached.
type Failure struct {
	ChatID string `json:"chat_id"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Report summarizes a bulk send.
type Report struct {
	Total    int       `json:"total"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
	Failures []Failure `json:"failures,omitempty"`
}

func (r *Report) merge(o Report) {
	r.Total += o.Total
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Failures = append(r.Failures, o.Failures...)
}

// BroadcastRequest is the admin broadcast input.
type BroadcastRequest struct {
	Segment string `json:"segment" validate:"omitempty,oneof=all trial subscription approved"`
	Text    string `json:"text" validate:"required,max=4000"`
}
