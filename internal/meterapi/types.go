package meterapi

import "time"

// IntervalReading is one API-reported sample. Transient; never persisted
// as-is.
type IntervalReading struct {
	MeterSerial   string    `json:"meter_serial"`
	CustomerCode  string    `json:"customer_code"`
	Timestamp     time.Time `json:"timestamp"`
	KilowattHours *float64  `json:"kilowatt_hours"`
	Energy        *float64  `json:"energy"`
}

// KWh returns the preferred energy field: kilowatt_hours when present,
// otherwise the fallback energy field.
func (r IntervalReading) KWh() float64 {
	if r.KilowattHours != nil {
		return *r.KilowattHours
	}
	if r.Energy != nil {
		return *r.Energy
	}
	return 0
}

type intervalQuery struct {
	SiteID  string `json:"site_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	PerPage int    `json:"per_page"`
	Cursor  string `json:"cursor,omitempty"`
}

type intervalResponse struct {
	Data       []IntervalReading `json:"data"`
	Pagination struct {
		Cursor  string `json:"cursor"`
		HasMore bool   `json:"has_more"`
	} `json:"pagination"`
}

type freshnessResponse struct {
	SiteID     string `json:"site_id"`
	LatestDate string `json:"latest_date"`
}

type liveResponse struct {
	Readings []IntervalReading `json:"readings"`
}

// LedgerTransaction is one entry from a provider's own transaction ledger.
type LedgerTransaction struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Amount  float64   `json:"amount"`
	Rate    float64   `json:"rate"`
	Units   float64   `json:"units"`
	Created time.Time `json:"created"`
	ToData  struct {
		MeterSerial  string `json:"meter_serial"`
		CustomerCode string `json:"customer_code"`
	} `json:"to_data"`
}

type ledgerResponse struct {
	Data  []LedgerTransaction `json:"data"`
	Total int                 `json:"total"`
}

type sessionResponse struct {
	Token string `json:"token"`
}
