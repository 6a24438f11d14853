package leadsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPError carries the status and decoded error payload of a failed
// table-service request.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("table service request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("table service request failed: status=%d message=%s", e.StatusCode, e.Message)
}

// HTTPTableStore talks to a remote table service over its REST surface.
// Every table shares the same uniform path shape under /v1/tables.
type HTTPTableStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	notifier   *Notifier
	logger     Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPTableStore(baseURL string, opts StoreOptions) *HTTPTableStore {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPTableStore{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		notifier:   opts.Notifier,
		logger:     opts.Logger,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type listEnvelope[T any] struct {
	Items []T `json:"items"`
}

func listTable[T any](ctx context.Context, s *HTTPTableStore, table string, opts ListOptions) ([]T, error) {
	var envelope listEnvelope[T]
	if err := s.doJSON(ctx, http.MethodGet, tablePath(table)+listQuery(opts), nil, &envelope); err != nil {
		return nil, err
	}
	if envelope.Items == nil {
		envelope.Items = []T{}
	}
	return envelope.Items, nil
}

type tableRecord interface {
	RecordID() string
}

func insertTable[T tableRecord](ctx context.Context, s *HTTPTableStore, table string, record T) (T, error) {
	var out T
	if err := s.doJSON(ctx, http.MethodPost, tablePath(table), record, &out); err != nil {
		return out, err
	}
	s.notify(table, ChangeInsert, out.RecordID())
	return out, nil
}

func updateTable[T tableRecord](ctx context.Context, s *HTTPTableStore, table, id string, fields map[string]string) (T, error) {
	var out T
	if strings.TrimSpace(id) == "" {
		return out, ErrInvalidInput
	}
	err := s.doJSON(ctx, http.MethodPatch, tablePath(table)+"/"+url.PathEscape(id), fields, &out)
	if err != nil {
		return out, err
	}
	s.notify(table, ChangeUpdate, out.RecordID())
	return out, nil
}

func (s *HTTPTableStore) deleteRecord(ctx context.Context, table, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	if err := s.doJSON(ctx, http.MethodDelete, tablePath(table)+"/"+url.PathEscape(id), nil, nil); err != nil {
		return err
	}
	s.notify(table, ChangeDelete, id)
	return nil
}

func (s *HTTPTableStore) ListLeads(ctx context.Context, opts ListOptions) ([]Lead, error) {
	return listTable[Lead](ctx, s, TableLeads, opts)
}

func (s *HTTPTableStore) InsertLead(ctx context.Context, lead Lead) (Lead, error) {
	if lead.Status == "" {
		lead.Status = DefaultStatus
	}
	return insertTable(ctx, s, TableLeads, lead)
}

func (s *HTTPTableStore) UpdateLeadFields(ctx context.Context, id string, fields map[string]string) (Lead, error) {
	return updateTable[Lead](ctx, s, TableLeads, id, fields)
}

func (s *HTTPTableStore) DeleteLead(ctx context.Context, id string) error {
	return s.deleteRecord(ctx, TableLeads, id)
}

func (s *HTTPTableStore) ListSalesPersons(ctx context.Context, opts ListOptions) ([]SalesPerson, error) {
	return listTable[SalesPerson](ctx, s, TableSalesPersons, opts)
}

func (s *HTTPTableStore) InsertSalesPerson(ctx context.Context, person SalesPerson) (SalesPerson, error) {
	return insertTable(ctx, s, TableSalesPersons, person)
}

func (s *HTTPTableStore) UpdateSalesPersonFields(ctx context.Context, id string, fields map[string]string) (SalesPerson, error) {
	return updateTable[SalesPerson](ctx, s, TableSalesPersons, id, fields)
}

func (s *HTTPTableStore) DeleteSalesPerson(ctx context.Context, id string) error {
	return s.deleteRecord(ctx, TableSalesPersons, id)
}

func (s *HTTPTableStore) ListLeadSources(ctx context.Context, opts ListOptions) ([]LeadSource, error) {
	return listTable[LeadSource](ctx, s, TableLeadSources, opts)
}

func (s *HTTPTableStore) InsertLeadSource(ctx context.Context, source LeadSource) (LeadSource, error) {
	return insertTable(ctx, s, TableLeadSources, source)
}

func (s *HTTPTableStore) UpdateLeadSourceFields(ctx context.Context, id string, fields map[string]string) (LeadSource, error) {
	return updateTable[LeadSource](ctx, s, TableLeadSources, id, fields)
}

func (s *HTTPTableStore) DeleteLeadSource(ctx context.Context, id string) error {
	return s.deleteRecord(ctx, TableLeadSources, id)
}

func (s *HTTPTableStore) ListPipelineStages(ctx context.Context, opts ListOptions) ([]PipelineStage, error) {
	return listTable[PipelineStage](ctx, s, TablePipelineStages, opts)
}

func (s *HTTPTableStore) InsertPipelineStage(ctx context.Context, stage PipelineStage) (PipelineStage, error) {
	return insertTable(ctx, s, TablePipelineStages, stage)
}

func (s *HTTPTableStore) UpdatePipelineStageFields(ctx context.Context, id string, fields map[string]string) (PipelineStage, error) {
	return updateTable[PipelineStage](ctx, s, TablePipelineStages, id, fields)
}

func (s *HTTPTableStore) DeletePipelineStage(ctx context.Context, id string) error {
	return s.deleteRecord(ctx, TablePipelineStages, id)
}

func (s *HTTPTableStore) ListStageAssignments(ctx context.Context, opts ListOptions) ([]StageAssignment, error) {
	return listTable[StageAssignment](ctx, s, TableStageAssignments, opts)
}

func (s *HTTPTableStore) UpsertStageAssignment(ctx context.Context, leadID, stageID string) (StageAssignment, error) {
	if strings.TrimSpace(leadID) == "" || strings.TrimSpace(stageID) == "" {
		return StageAssignment{}, ErrInvalidInput
	}
	payload := map[string]string{"lead_id": leadID, "stage_id": stageID}
	var out StageAssignment
	if err := s.doJSON(ctx, http.MethodPut, tablePath(TableStageAssignments)+"/by-lead/"+url.PathEscape(leadID), payload, &out); err != nil {
		return StageAssignment{}, err
	}
	s.notify(TableStageAssignments, ChangeUpdate, out.ID)
	return out, nil
}

func (s *HTTPTableStore) DeleteStageAssignment(ctx context.Context, id string) error {
	return s.deleteRecord(ctx, TableStageAssignments, id)
}

func (s *HTTPTableStore) Close() error { return nil }

func (s *HTTPTableStore) doJSON(ctx context.Context, method, path string, payload, dest any) error {
	if s == nil {
		return errors.New("http table store is nil")
	}
	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bodyBytes = encoded
	}
	requestURL := s.baseURL + path

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
		if err != nil {
			return err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if attempt < s.maxRetries {
				if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if dest == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, dest)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < s.maxRetries {
			if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, requestURL)
		}

		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if code, ok := parsed["code"].(string); ok {
				httpErr.Code = code
			}
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				httpErr.Message = message
			}
		}
		return httpErr
	}
}

func (s *HTTPTableStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > s.maxDelay {
			return s.maxDelay
		}
		return retryAfter
	}
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	if delay > s.maxDelay {
		return s.maxDelay
	}
	return delay
}

func (s *HTTPTableStore) notify(table string, changeType ChangeType, id string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ChangeEvent{Table: table, Type: changeType, RecordID: id})
}

func tablePath(table string) string {
	return "/v1/tables/" + url.PathEscape(table)
}

func listQuery(opts ListOptions) string {
	values := url.Values{}
	if opts.OrderBy != "" {
		values.Set("orderBy", opts.OrderBy)
		if opts.Descending {
			values.Set("order", "desc")
		} else {
			values.Set("order", "asc")
		}
	}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
