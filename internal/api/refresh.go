package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/gorilla/mux"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
	cwerrs "github.com/jdholdren/crnwatch/internal/errors"
	"github.com/jdholdren/crnwatch/internal/serverutil"
)

type postRefreshReq struct {
	Keys []crnwatch.Key `json:"keys"` // Empty refreshes all of the user's courses
}

type refreshResp struct {
	Triggered    int  `json:"triggered"`
	IsRefreshing bool `json:"is_refreshing"`
}

func (s Server) userKeys(r *http.Request) ([]crnwatch.Key, error) {
	subs, err := s.store.UserSubscriptions(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		return nil, err
	}

	keys := make([]crnwatch.Key, 0, len(subs))
	for _, sub := range subs {
		keys = append(keys, sub.Key())
	}

	return keys, nil
}

// Triggers an immediate poll of the user's courses and returns without
// waiting on it. Keys already being polled are skipped.
func (s Server) postRefresh(w http.ResponseWriter, r *http.Request) error {
	var req postRefreshReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return cwerrs.E(fmt.Errorf("error decoding request: %w", err), http.StatusBadRequest)
	}

	owned, err := s.userKeys(r)
	if err != nil {
		return err
	}

	keys := owned
	if len(req.Keys) > 0 {
		keys = req.Keys
		for _, key := range keys {
			if !slices.Contains(owned, key) {
				return fmt.Errorf("%s is not tracked by this user: %w", key, crnwatch.ErrNotFound)
			}
		}
	}

	// Refresh with no keys means every key, which isn't this user's call
	var triggered int
	if len(keys) > 0 {
		triggered = s.sched.Refresh(keys...)
	}

	return serverutil.WriteJSON(w, http.StatusAccepted, refreshResp{
		Triggered:    triggered,
		IsRefreshing: s.sched.Busy(keys...),
	})
}

// The status poll the UI uses while a refresh is running.
func (s Server) getRefresh(w http.ResponseWriter, r *http.Request) error {
	keys, err := s.userKeys(r)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, refreshResp{
		IsRefreshing: s.sched.Busy(keys...),
	})
}
