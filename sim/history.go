package sim

// Counts aggregates agents per category at one tick.
type Counts struct {
	Infected   int `json:"infected" msgpack:"i"`
	Recovered  int `json:"recovered" msgpack:"r"`
	Vaccinated int `json:"vaccinated" msgpack:"v"`
	Healthy    int `json:"healthy" msgpack:"h"`
}

// Total returns the number of agents the counts cover.
func (c Counts) Total() int {
	return c.Infected + c.Recovered + c.Vaccinated + c.Healthy
}

// Record is one History entry.
type Record struct {
	Tick       uint64 `json:"tick" msgpack:"t"`
	Infected   int    `json:"infected" msgpack:"i"`
	Recovered  int    `json:"recovered" msgpack:"r"`
	Vaccinated int    `json:"vaccinated" msgpack:"v"`
}

// History is an append-only log of per-tick counts. Entries are never
// modified in place; Reset is the only way to drop them.
type History struct {
	records []Record
}

// Append adds the counts observed at tick.
func (h *History) Append(tick uint64, c Counts) {
	h.records = append(h.records, Record{
		Tick:       tick,
		Infected:   c.Infected,
		Recovered:  c.Recovered,
		Vaccinated: c.Vaccinated,
	})
}

// Reset drops all records and seeds the log with a single tick-0 entry.
func (h *History) Reset(c Counts) {
	// fresh backing array: copies handed out earlier stay valid
	h.records = make([]Record, 0, 256)
	h.Append(0, c)
}

// Len returns the number of records.
func (h *History) Len() int {
	return len(h.records)
}

// Latest returns the most recent record, or false when the log is empty.
func (h *History) Latest() (Record, bool) {
	if len(h.records) == 0 {
		return Record{}, false
	}
	return h.records[len(h.records)-1], true
}

// Records returns a copy of the log.
func (h *History) Records() []Record {
	out := make([]Record, len(h.records))
	copy(out, h.records)
	return out
}

// Since returns a copy of the records with Tick > tick.
func (h *History) Since(tick uint64) []Record {
	for i, r := range h.records {
		if r.Tick > tick {
			out := make([]Record, len(h.records)-i)
			copy(out, h.records[i:])
			return out
		}
	}
	return []Record{}
}

// PeakInfected returns the largest infected count seen in the log.
func (h *History) PeakInfected() int {
	peak := 0
	for _, r := range h.records {
		if r.Infected > peak {
			peak = r.Infected
		}
	}
	return peak
}
