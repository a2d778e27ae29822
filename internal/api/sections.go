package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
	"github.com/jdholdren/crnwatch/internal/registrar"
	"github.com/jdholdren/crnwatch/internal/scheduler"
	"github.com/jdholdren/crnwatch/internal/serverutil"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type (
	sectionResp struct {
		Section  *crnwatch.Section      `json:"section"`
		Schedule *scheduler.KeyStatus   `json:"schedule,omitempty"`
		Events   []crnwatch.ChangeEvent `json:"events"`
		History  historyPage            `json:"history"`
	}

	// Window into a key's event history. NextOffset is unset on the last page.
	historyPage struct {
		Limit      int  `json:"limit"`
		Offset     int  `json:"offset"`
		Total      int  `json:"total"`
		NextOffset *int `json:"next_offset,omitempty"`
	}
)

// Reads ?limit= and ?offset=. A missing or unusable limit gets the default,
// one past the ceiling gets the ceiling.
func parseHistoryPage(r *http.Request) historyPage {
	query := r.URL.Query()

	limit, err := strconv.Atoi(query.Get("limit"))
	switch {
	case err != nil || limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	offset, _ := strconv.Atoi(query.Get("offset"))

	return historyPage{Limit: limit, Offset: max(offset, 0)}
}

func (p historyPage) withTotal(total int) historyPage {
	p.Total = total
	if next := p.Offset + p.Limit; next < total {
		p.NextOffset = &next
	}

	return p
}

// Shows what's known about a section: the snapshot, where it is in the poll
// schedule and the changes seen so far, newest first.
func (s Server) getSection(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	vars := mux.Vars(r)
	key := crnwatch.Key{Term: vars["term"], CRN: vars["crn"]}
	if err := registrar.ValidateKey(key); err != nil {
		return err
	}

	snap, err := s.store.Snapshot(ctx, key)
	if err != nil {
		return err
	}
	st, tracked := s.sched.Status(key)
	if snap == nil && !tracked {
		return fmt.Errorf("section %s isn't tracked: %w", key, crnwatch.ErrNotFound)
	}

	page := parseHistoryPage(r)
	events, err := s.store.KeyEvents(ctx, key, page.Limit, page.Offset)
	if err != nil {
		return err
	}
	total, err := s.store.CountKeyEvents(ctx, key)
	if err != nil {
		return err
	}
	if events == nil {
		events = []crnwatch.ChangeEvent{}
	}

	resp := sectionResp{
		Section: snap,
		Events:  events,
		History: page.withTotal(total),
	}
	if tracked {
		resp.Schedule = &st
	}

	return serverutil.WriteJSON(w, http.StatusOK, resp)
}
