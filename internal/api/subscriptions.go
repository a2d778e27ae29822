package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
	"github.com/jdholdren/crnwatch/internal/registrar"
	"github.com/jdholdren/crnwatch/internal/scheduler"
	"github.com/jdholdren/crnwatch/internal/serverutil"
)

type postSubscriptionReq struct {
	Term        string   `json:"term"`
	CRN         string   `json:"crn"`
	NotifyKinds []string `json:"notify_kinds"` // Empty means every kind
}

func (r postSubscriptionReq) key() crnwatch.Key {
	return crnwatch.Key{Term: strings.TrimSpace(r.Term), CRN: strings.TrimSpace(r.CRN)}
}

func (r postSubscriptionReq) Validate() error {
	if err := registrar.ValidateKey(r.key()); err != nil {
		return err
	}
	if _, err := crnwatch.ParsePreferences(strings.Join(r.NotifyKinds, ",")); err != nil {
		return err
	}

	return nil
}

type subscriptionResp struct {
	ID          string               `json:"id"`
	Term        string               `json:"term"`
	CRN         string               `json:"crn"`
	NotifyKinds []crnwatch.EventKind `json:"notify_kinds"`
	CreatedAt   time.Time            `json:"created_at"`

	// Last known state of the section, nil until the first successful poll
	Section      *crnwatch.Section `json:"section"`
	Availability string            `json:"availability"`
	Refreshing   bool              `json:"refreshing"`
	LastPolled   *time.Time        `json:"last_polled,omitempty"`
}

func (s Server) subscriptionResp(sub crnwatch.Subscription, snap *crnwatch.Section) subscriptionResp {
	resp := subscriptionResp{
		ID:           sub.ID,
		Term:         sub.Term,
		CRN:          sub.CRN,
		NotifyKinds:  sub.Preferences().Kinds,
		CreatedAt:    sub.CreatedAt,
		Section:      snap,
		Availability: scheduler.AvailabilityOK,
		Refreshing:   s.sched.Busy(sub.Key()),
	}
	if resp.NotifyKinds == nil {
		resp.NotifyKinds = []crnwatch.EventKind{}
	}

	if st, ok := s.sched.Status(sub.Key()); ok {
		resp.Availability = st.Availability
		if !st.LastPolled.IsZero() {
			resp.LastPolled = &st.LastPolled
		}
	}

	return resp
}

// Adds a course by CRN for a user and starts tracking it right away.
func (s Server) postSubscription(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	userID := mux.Vars(r)["userID"]

	req, err := serverutil.DecodeValid[postSubscriptionReq](r.Body)
	if err != nil {
		return err
	}

	key := req.key()
	sub, err := s.store.CreateSubscription(ctx, crnwatch.Subscription{
		UserID:      userID,
		Term:        key.Term,
		CRN:         key.CRN,
		NotifyKinds: strings.Join(req.NotifyKinds, ","),
	})
	if err != nil {
		return err
	}

	// A no-op when someone else already tracks the key
	s.sched.Track(key)

	snap, err := s.store.Snapshot(ctx, key)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusCreated, s.subscriptionResp(sub, snap))
}

// Lists the user's tracked courses with the latest snapshot of each.
func (s Server) getSubscriptions(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	userID := mux.Vars(r)["userID"]

	subs, err := s.store.UserSubscriptions(ctx, userID)
	if err != nil {
		return err
	}

	resps := make([]subscriptionResp, 0, len(subs))
	for _, sub := range subs {
		snap, err := s.store.Snapshot(ctx, sub.Key())
		if err != nil {
			return err
		}

		resps = append(resps, s.subscriptionResp(sub, snap))
	}

	return serverutil.WriteJSON(w, http.StatusOK, struct {
		Subscriptions []subscriptionResp `json:"subscriptions"`
	}{
		Subscriptions: resps,
	})
}

func (s Server) deleteSubscription(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	key := crnwatch.Key{Term: vars["term"], CRN: vars["crn"]}
	if err := registrar.ValidateKey(key); err != nil {
		return err
	}

	remaining, err := s.store.DeleteSubscription(r.Context(), vars["userID"], key)
	if err != nil {
		return err
	}
	if remaining == 0 {
		s.sched.Forget(key)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}
