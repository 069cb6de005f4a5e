package trust

import (
	"math"

	"github.com/roach88/fieldsync/internal/phonetic"
)

// Decision thresholds.
const (
	AllowThreshold     = 70
	ChallengeThreshold = 40
	highConfidence     = 85
)

// Penalties subtracted from the component sum.
const (
	PenaltyNewDevice      = 20
	PenaltyFarLocation    = 15
	PenaltyNightAccess    = 10
	PenaltyRecentFailures = 10
	PenaltyVPN            = 25
)

const (
	closeKm    = 0.1
	nearKm     = 1.0
	farKm      = 5.0
	nightStart = 22
	nightEnd   = 5
)

// Decision is what the login flow should do next.
type Decision string

const (
	DecisionAllow     Decision = "allow"
	DecisionChallenge Decision = "challenge"
	DecisionValidate  Decision = "validate"
)

// Confidence qualifies a decision.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Risk flags.
const (
	FlagNewDevice       = "NEW_DEVICE"
	FlagVPN             = "VPN_DETECTED"
	FlagUnusualTime     = "UNUSUAL_TIME"
	FlagUnusualLocation = "UNUSUAL_LOCATION"
	FlagRecentFailures  = "RECENT_FAILURES"
	FlagLowTrust        = "LOW_TRUST_SCORE"
)

// Device describes the presenting device.
type Device struct {
	Fingerprint string `json:"fingerprint"`
	Known       bool   `json:"known"`
	TimesSeen   int    `json:"timesSeen"`
}

// Social is the outcome of the spoken security question.
type Social struct {
	AnswerProvided bool `json:"answerProvided"`
	AnswerCorrect  bool `json:"answerCorrect"`
	Attempt        int  `json:"attempt"`
}

// SocialFromMatch builds the social input from a phonetic match.
func SocialFromMatch(res phonetic.Result, attempt int) *Social {
	return &Social{
		AnswerProvided: res.NormalizedInput != "",
		AnswerCorrect:  res.IsMatch,
		Attempt:        attempt,
	}
}

// Coordinates is a latitude/longitude pair in degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location compares the current position with the usual one. DistanceKm,
// when set, takes precedence over the coordinates.
type Location struct {
	Current    *Coordinates `json:"current,omitempty"`
	Usual      *Coordinates `json:"usual,omitempty"`
	DistanceKm *float64     `json:"distanceKm,omitempty"`
}

// Time describes when the login happens.
type Time struct {
	Hour        int  `json:"hour"`
	IsUsualTime bool `json:"isUsualTime"`
}

// History is the account's recent record.
type History struct {
	IncidentsLast30Days int `json:"incidentsLast30Days"`
	ConsecutiveFailures int `json:"consecutiveFailures"`
	AccountAgeDays      int `json:"accountAgeDays"`
}

// Input is everything the score depends on.
type Input struct {
	Device   Device   `json:"device"`
	Social   *Social  `json:"social,omitempty"`
	Location Location `json:"location"`
	Time     Time     `json:"time"`
	History  History  `json:"history"`
	VPN      bool     `json:"vpn"`
}

// ScoreResult is the scored login context.
type ScoreResult struct {
	Device     int        `json:"deviceScore"`
	Social     int        `json:"socialScore"`
	Location   int        `json:"locationScore"`
	Time       int        `json:"timeScore"`
	History    int        `json:"historyScore"`
	Penalties  int        `json:"penalties"`
	Total      int        `json:"totalScore"`
	Decision   Decision   `json:"decision"`
	Confidence Confidence `json:"confidence"`
	RiskFlags  []string   `json:"riskFlags"`
}

// Score computes the trust score of a login context.
func Score(in Input) ScoreResult {
	r := ScoreResult{
		Device:   deviceScore(in.Device),
		Social:   socialScore(in.Social),
		Location: locationScore(in.Location),
		Time:     timeScore(in.Time),
		History:  historyScore(in.History),
	}

	newDevice := !in.Device.Known || in.Device.TimesSeen == 0
	dist, haveDist := distanceKm(in.Location)
	far := haveDist && dist > farKm
	night := in.Time.Hour >= nightStart || in.Time.Hour <= nightEnd
	failures := in.History.ConsecutiveFailures > 0

	r.RiskFlags = []string{}
	penalize := func(cond bool, points int, flag string) {
		if cond {
			r.Penalties += points
			r.RiskFlags = append(r.RiskFlags, flag)
		}
	}
	penalize(newDevice, PenaltyNewDevice, FlagNewDevice)
	penalize(in.VPN, PenaltyVPN, FlagVPN)
	penalize(night, PenaltyNightAccess, FlagUnusualTime)
	penalize(far, PenaltyFarLocation, FlagUnusualLocation)
	penalize(failures, PenaltyRecentFailures, FlagRecentFailures)

	raw := r.Device + r.Social + r.Location + r.Time + r.History - r.Penalties
	r.Total = max(0, min(100, raw))

	switch {
	case r.Total >= AllowThreshold:
		r.Decision, r.Confidence = DecisionAllow, ConfidenceMedium
		if r.Total >= highConfidence {
			r.Confidence = ConfidenceHigh
		}
	case r.Total >= ChallengeThreshold:
		r.Decision, r.Confidence = DecisionChallenge, ConfidenceMedium
	default:
		r.Decision, r.Confidence = DecisionValidate, ConfidenceLow
		r.RiskFlags = append(r.RiskFlags, FlagLowTrust)
	}
	return r
}

func deviceScore(d Device) int {
	switch {
	case !d.Known:
		return 0
	case d.TimesSeen >= 10:
		return 30
	case d.TimesSeen >= 4:
		return 20
	case d.TimesSeen >= 1:
		return 10
	}
	return 0
}

func socialScore(s *Social) int {
	if s == nil || !s.AnswerProvided || !s.AnswerCorrect {
		return 0
	}
	switch s.Attempt {
	case 1:
		return 40
	case 2:
		return 25
	case 3:
		return 15
	}
	return 0
}

func locationScore(l Location) int {
	if l.Current == nil || l.Usual == nil {
		return 5
	}
	d, _ := distanceKm(l)
	switch {
	case d < closeKm:
		return 15
	case d < nearKm:
		return 10
	case d < farKm:
		return 5
	}
	return 0
}

func timeScore(t Time) int {
	if t.IsUsualTime {
		return 10
	}
	if t.Hour >= 6 && t.Hour <= 20 {
		return 5
	}
	return 0
}

func historyScore(h History) int {
	if h.IncidentsLast30Days == 0 && h.AccountAgeDays > 30 {
		return 5
	}
	if h.IncidentsLast30Days == 1 {
		return 2
	}
	return 0
}

func distanceKm(l Location) (float64, bool) {
	if l.DistanceKm != nil {
		return *l.DistanceKm, true
	}
	if l.Current == nil || l.Usual == nil {
		return 0, false
	}
	return haversineKm(*l.Current, *l.Usual), true
}

func haversineKm(a, b Coordinates) float64 {
	const earthRadiusKm = 6371
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
