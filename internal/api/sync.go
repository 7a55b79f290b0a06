package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/marcus/histsync/internal/record"
	"github.com/marcus/histsync/internal/relaystore"
)

// RecordJSON is a record on the wire. Data is base64 encoded by
// encoding/json and never inspected by the server.
type RecordJSON struct {
	ID        string  `json:"id"`
	Host      string  `json:"host"`
	Tag       string  `json:"tag"`
	Parent    *string `json:"parent"`
	Timestamp uint64  `json:"timestamp"`
	Version   string  `json:"version"`
	Data      []byte  `json:"data"`
}

// TailJSON is one entry of the tail map.
type TailJSON struct {
	Host  string  `json:"host"`
	Tag   string  `json:"tag"`
	Tail  *string `json:"tail"`
	Count int64   `json:"count"`
}

// TailsResponse is the JSON response for GET /sync/tails.
type TailsResponse struct {
	Tails []TailJSON `json:"tails"`
}

// RecordsResponse is the JSON response for GET /sync/records.
type RecordsResponse struct {
	Records []RecordJSON `json:"records"`
}

// PostRecordsRequest is the JSON body for POST /sync/records.
type PostRecordsRequest struct {
	Records []RecordJSON `json:"records"`
}

// PostRecordsResponse is the JSON response for POST /sync/records.
type PostRecordsResponse struct {
	Accepted int `json:"accepted"`
}

func toJSON(r record.Record) RecordJSON {
	out := RecordJSON{
		ID:        r.ID.String(),
		Host:      r.Host.String(),
		Tag:       r.Tag,
		Timestamp: r.Timestamp,
		Version:   r.Version,
		Data:      r.Data,
	}
	if r.Parent != nil {
		p := r.Parent.String()
		out.Parent = &p
	}
	return out
}

func fromJSON(in RecordJSON) (record.Record, error) {
	r := record.Record{Tag: in.Tag, Timestamp: in.Timestamp, Version: in.Version, Data: in.Data}
	var err error
	if r.ID, err = record.ParseRecordID(in.ID); err != nil {
		return record.Record{}, fmt.Errorf("id: %w", err)
	}
	if r.Host, err = record.ParseHostID(in.Host); err != nil {
		return record.Record{}, fmt.Errorf("record %s: host: %w", in.ID, err)
	}
	if in.Parent != nil {
		p, err := record.ParseRecordID(*in.Parent)
		if err != nil {
			return record.Record{}, fmt.Errorf("record %s: parent: %w", in.ID, err)
		}
		r.Parent = &p
	}
	if err := r.Validate(); err != nil {
		return record.Record{}, err
	}
	return r, nil
}

// handleTails handles GET /sync/tails.
func (s *Server) handleTails(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())

	tails, err := s.records.Tails(r.Context(), acct.UserID)
	if err != nil {
		reqLog(r.Context()).Error("read tails", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read tails")
		return
	}

	resp := TailsResponse{Tails: make([]TailJSON, 0, len(tails))}
	for _, t := range tails {
		tail := t.Tail.String()
		resp.Tails = append(resp.Tails, TailJSON{
			Host:  t.Log.Host.String(),
			Tag:   t.Log.Tag,
			Tail:  &tail,
			Count: t.Count,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetRecords handles GET /sync/records?host=&tag=&after=&limit=.
func (s *Server) handleGetRecords(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	q := r.URL.Query()

	host, err := record.ParseHostID(q.Get("host"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "valid host is required")
		return
	}
	tag := q.Get("tag")
	if tag == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "tag is required")
		return
	}

	var after *record.RecordID
	if v := q.Get("after"); v != "" {
		id, err := record.ParseRecordID(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid after id")
			return
		}
		after = &id
	}

	limit := s.config.PageLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	log := record.LogKey{Host: host, Tag: tag}
	recs, err := s.records.Records(r.Context(), acct.UserID, log, after, limit)
	if errors.Is(err, relaystore.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("record %s not found in %s", after, log))
		return
	}
	if err != nil {
		reqLog(r.Context()).Error("read records", "log", log.String(), "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read records")
		return
	}

	s.metrics.RecordPullRequest()
	resp := RecordsResponse{Records: make([]RecordJSON, 0, len(recs))}
	for _, rec := range recs {
		resp.Records = append(resp.Records, toJSON(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePostRecords handles POST /sync/records. The batch is stored
// all-or-nothing; records already stored with identical content are
// accepted as no-ops.
func (s *Server) handlePostRecords(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())

	var req PostRecordsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "records array is empty")
		return
	}
	if len(req.Records) > s.config.MaxPostBatch {
		writeError(w, http.StatusBadRequest, ErrCodeTooLarge, fmt.Sprintf("batch size %d exceeds max %d", len(req.Records), s.config.MaxPostBatch))
		return
	}

	recs := make([]record.Record, 0, len(req.Records))
	for _, in := range req.Records {
		rec, err := fromJSON(in)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		recs = append(recs, rec)
	}

	accepted, err := s.records.Append(r.Context(), acct.UserID, recs)

	var chainErr *record.ChainError
	var dupErr *record.DuplicateError
	switch {
	case errors.As(err, &chainErr):
		var tail *string
		if chainErr.Expected != nil {
			t := chainErr.Expected.String()
			tail = &t
		}
		reqLog(r.Context()).Info("append refused", "log", chainErr.Log.String(), "record", chainErr.Record, "tail", record.IDString(chainErr.Expected))
		writeJSON(w, http.StatusConflict, ConflictResponse{
			Error:    APIError{Code: ErrCodeChainMismatch, Message: chainErr.Error()},
			RecordID: chainErr.Record.String(),
			Tail:     tail,
		})
		return
	case errors.As(err, &dupErr):
		writeJSON(w, http.StatusConflict, ConflictResponse{
			Error:    APIError{Code: ErrCodeDuplicate, Message: dupErr.Error()},
			RecordID: dupErr.ID.String(),
		})
		return
	case err != nil:
		reqLog(r.Context()).Error("append records", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to store records")
		return
	}

	s.metrics.RecordAccepted(int64(accepted))
	writeJSON(w, http.StatusOK, PostRecordsResponse{Accepted: accepted})
}
