package crnwatch

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

type SectionStatus string

const (
	StatusOpen      SectionStatus = "open"
	StatusClosed    SectionStatus = "closed"
	StatusCancelled SectionStatus = "cancelled"
)

// Section is the last observed state of one section.
type Section struct {
	Term          string        `db:"term" json:"term"`
	CRN           string        `db:"crn" json:"crn"`
	Subject       string        `db:"subject" json:"subject"`
	Course        string        `db:"course" json:"course"`
	SectionNumber string        `db:"section_number" json:"section_number"`
	Title         string        `db:"title" json:"title"`
	Capacity      int           `db:"capacity" json:"capacity"`
	Taken         int           `db:"taken" json:"taken"`
	Available     int           `db:"available" json:"available"`
	Status        SectionStatus `db:"status" json:"status"`
	MeetingDays   string        `db:"meeting_days" json:"meeting_days"`
	MeetingTime   string        `db:"meeting_time" json:"meeting_time"`
	Location      string        `db:"location" json:"location"`
	Instructor    string        `db:"instructor" json:"instructor"`
	FetchedAt     time.Time     `db:"fetched_at" json:"fetched_at"`
	Hash          string        `db:"content_hash" json:"content_hash"`
}

func (s Section) Key() Key {
	return Key{Term: s.Term, CRN: s.CRN}
}

// ContentHash digests every field that matters for change detection.
// FetchedAt is left out so that re-reading identical data hashes the same.
func (s Section) ContentHash() string {
	fields := []string{
		s.Term,
		s.CRN,
		s.Subject,
		s.Course,
		s.SectionNumber,
		s.Title,
		strconv.Itoa(s.Capacity),
		strconv.Itoa(s.Taken),
		strconv.Itoa(s.Available),
		string(s.Status),
		s.MeetingDays,
		s.MeetingTime,
		s.Location,
		s.Instructor,
	}

	// Unit separator keeps "a","bc" and "ab","c" apart.
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Meeting renders the meeting group as one comparable value.
func (s Section) Meeting() string {
	return strings.TrimSpace(strings.Join([]string{s.MeetingDays, s.MeetingTime, s.Location}, " "))
}
