package registrar

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

type (
	// Represents a response from the section-detail endpoint.
	sectionResp struct {
		TermCode       flexString `json:"TERM_CODE"`
		CRN            flexString `json:"CRN"`
		SubjectCode    string     `json:"SUBJECT_CODE"`
		CourseNumber   flexString `json:"COURSE_NUMBER"`
		SectionNumber  flexString `json:"SECTION_NUMBER"`
		CourseTitle    string     `json:"COURSE_TITLE"`
		MaxEnrollment  flexInt    `json:"MAX_ENROLLMENT"`
		Enrollment     flexInt    `json:"ENROLLMENT"`
		SeatsAvailable *flexInt   `json:"SEATS_AVAILABLE"`
		Status         string     `json:"STATUS"`
		Instructor     string     `json:"INSTRUCTOR"`
		Meetings       []struct {
			Days      string `json:"DAYS"`
			BeginTime string `json:"BEGIN_TIME"`
			EndTime   string `json:"END_TIME"`
			Building  string `json:"BUILDING"`
			Room      string `json:"ROOM"`
		} `json:"MEETINGS"`
	}

	// flexInt accepts 12, "12" and null.
	flexInt int

	// flexString accepts "12345" and 12345.
	flexString string
)

func (i *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		*i = 0
		return nil
	}

	s := string(b)
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
		if s == "" {
			*i = 0
			return nil
		}
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("expected an integer, got %s", string(b))
	}
	*i = flexInt(n)

	return nil
}

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		*s = ""
		return nil
	}

	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = flexString(str)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("expected a string or number, got %s", string(b))
	}
	*s = flexString(num.String())

	return nil
}

func (s flexString) String() string {
	return strings.TrimSpace(string(s))
}

// Reports whether the payload names a section at all. The endpoint doesn't
// always echo the CRN back, so any identifying field will do.
func (r sectionResp) identified() bool {
	for _, v := range []string{
		r.CRN.String(),
		r.SubjectCode,
		r.CourseNumber.String(),
		r.SectionNumber.String(),
		r.CourseTitle,
	} {
		if clean(v) != "" {
			return true
		}
	}

	return false
}

var stripPolicy = bluemonday.StrictPolicy()

// Removes markup and entity noise the registrar sprinkles into text fields,
// so that the content hash only moves when the words do.
func clean(s string) string {
	s = stripPolicy.Sanitize(s)
	s = html.UnescapeString(s)

	return strings.Join(strings.Fields(s), " ")
}

func normalizeStatus(raw string, available int) crnwatch.SectionStatus {
	switch strings.ToLower(clean(raw)) {
	case "cancelled", "canceled", "cancel", "inactive", "x":
		return crnwatch.StatusCancelled
	case "closed", "full", "c":
		return crnwatch.StatusClosed
	case "open", "active", "a", "o":
		return crnwatch.StatusOpen
	}

	// No usable status, fall back on the seat math
	if available > 0 {
		return crnwatch.StatusOpen
	}
	return crnwatch.StatusClosed
}

// Turns a registrar payload into a snapshot with a fresh content hash.
func normalize(key crnwatch.Key, resp sectionResp, fetchedAt time.Time) crnwatch.Section {
	var (
		capacity  = max(int(resp.MaxEnrollment), 0)
		taken     = max(int(resp.Enrollment), 0)
		available = max(capacity-taken, 0)
	)
	if resp.SeatsAvailable != nil {
		available = max(int(*resp.SeatsAvailable), 0)
	}

	// Meetings come back in no particular order
	var (
		days      []string
		times     []string
		locations []string
	)
	meetings := resp.Meetings
	sort.SliceStable(meetings, func(i, j int) bool {
		a := meetings[i].Days + meetings[i].BeginTime
		b := meetings[j].Days + meetings[j].BeginTime
		return a < b
	})
	for _, m := range meetings {
		if d := strings.ToUpper(clean(m.Days)); d != "" {
			days = append(days, d)
		}
		if begin, end := clean(m.BeginTime), clean(m.EndTime); begin != "" || end != "" {
			times = append(times, begin+"-"+end)
		}
		if loc := strings.TrimSpace(clean(m.Building) + " " + clean(m.Room)); loc != "" {
			locations = append(locations, loc)
		}
	}

	sec := crnwatch.Section{
		Term:          key.Term,
		CRN:           key.CRN,
		Subject:       strings.ToUpper(clean(resp.SubjectCode)),
		Course:        clean(resp.CourseNumber.String()),
		SectionNumber: clean(resp.SectionNumber.String()),
		Title:         clean(resp.CourseTitle),
		Capacity:      capacity,
		Taken:         taken,
		Available:     available,
		Status:        normalizeStatus(resp.Status, available),
		MeetingDays:   strings.Join(days, "; "),
		MeetingTime:   strings.Join(times, "; "),
		Location:      strings.Join(locations, "; "),
		Instructor:    clean(resp.Instructor),
		FetchedAt:     fetchedAt,
	}
	sec.Hash = sec.ContentHash()

	return sec
}
