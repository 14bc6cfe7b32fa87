package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"campus/internal/eventbus"
	"campus/internal/metrics"
	"campus/internal/model"
	"campus/internal/store"
)

// Event types pushed to realtime observers.
const (
	EventQRScan    = "qr_scan"
	EventFinalized = "attendance_finalized"
)

// requiredQRFields are checked in this order; MissingFieldsError keeps it.
var requiredQRFields = []string{"subject", "branch", "semester", "date", "type"}

// Publisher carries events to the broadcast hubs. eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg eventbus.Message) error
}

// QRPayload is the class descriptor encoded in the QR code shown to students.
type QRPayload struct {
	Subject   string `json:"subject"`
	Branch    string `json:"branch"`
	Semester  string `json:"semester"`
	Date      string `json:"date"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// ScanResult describes an accepted scan.
type ScanResult struct {
	StudentID          int    `json:"studentId"`
	Name               string `json:"name"`
	RegistrationNumber string `json:"registration_number"`
	Subject            string `json:"subject"`
	Date               string `json:"date"`
	ClassType          string `json:"class_type"`
}

// ScanEvent is the data of a qr_scan event.
type ScanEvent struct {
	StudentID          int    `json:"studentId"`
	Subject            string `json:"subject"`
	Date               string `json:"date"`
	Name               string `json:"name"`
	RegistrationNumber string `json:"registration_number"`
	ClassType          string `json:"class_type"`
}

// FinalizedEvent is the data of an attendance_finalized event.
type FinalizedEvent struct {
	Subject   string `json:"subject"`
	Date      string `json:"date"`
	ClassType string `json:"class_type"`
	Written   int    `json:"written"`
}

// RosterEntry is the operator's manual choice for one expected student.
type RosterEntry struct {
	StudentID int    `json:"studentId"`
	Status    string `json:"status"`
}

// FinalizeRequest reconciles one class.
type FinalizeRequest struct {
	Subject   string
	Date      string
	ClassType string
	Roster    []RosterEntry
}

// FinalizeResult reports how many attendance rows were written.
type FinalizeResult struct {
	Written int `json:"written"`
}

// Service owns the provisional scan to finalized attendance transition.
type Service struct {
	repo   *Repository
	events Publisher
	now    func() time.Time
}

// NewService creates a service backed by a repository. events may be nil.
func NewService(repo *Repository, events Publisher) *Service {
	return &Service{repo: repo, events: events, now: time.Now}
}

// ParseQRPayload decodes qrData and checks the required fields.
func ParseQRPayload(qrData string) (QRPayload, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(qrData), &raw); err != nil || raw == nil {
		return QRPayload{}, ErrMalformedPayload
	}

	var missing []string
	for _, field := range requiredQRFields {
		if fieldString(raw[field]) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return QRPayload{}, &MissingFieldsError{Fields: missing}
	}

	return QRPayload{
		Subject:   fieldString(raw["subject"]),
		Branch:    fieldString(raw["branch"]),
		Semester:  fieldString(raw["semester"]),
		Date:      fieldString(raw["date"]),
		Type:      fieldString(raw["type"]),
		Timestamp: fieldString(raw["timestamp"]),
	}, nil
}

func fieldString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// SubmitScan records a provisional scan for studentID and announces it.
func (s *Service) SubmitScan(ctx context.Context, qrData string, studentID int) (ScanResult, error) {
	payload, err := ParseQRPayload(qrData)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("invalid").Inc()
		return ScanResult{}, err
	}

	student, err := s.repo.GetStudent(ctx, studentID)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("error").Inc()
		return ScanResult{}, persistence("load student", err)
	}
	if student == nil {
		metrics.ScansTotal.WithLabelValues("unknown_student").Inc()
		return ScanResult{}, ErrStudentNotFound
	}

	exists, err := s.repo.ScanExists(ctx, studentID, payload.Subject, payload.Date)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("error").Inc()
		return ScanResult{}, persistence("check scan", err)
	}
	if exists {
		metrics.ScansTotal.WithLabelValues("duplicate").Inc()
		return ScanResult{}, ErrDuplicateScan
	}

	scan := &model.ProvisionalScan{
		StudentID: studentID,
		Subject:   payload.Subject,
		Date:      payload.Date,
		ClassType: payload.Type,
		Timestamp: s.now().Format("2006-01-02 15:04:05"),
	}
	if err := s.repo.InsertScan(ctx, scan); err != nil {
		if store.IsUniqueViolation(err) {
			// lost the race against an identical concurrent scan
			metrics.ScansTotal.WithLabelValues("duplicate").Inc()
			return ScanResult{}, ErrDuplicateScan
		}
		metrics.ScansTotal.WithLabelValues("error").Inc()
		return ScanResult{}, persistence("insert scan", err)
	}
	metrics.ScansTotal.WithLabelValues("accepted").Inc()

	s.publish(ctx, EventQRScan, ScanEvent{
		StudentID:          studentID,
		Subject:            payload.Subject,
		Date:               payload.Date,
		Name:               student.Name,
		RegistrationNumber: student.RegistrationNumber,
		ClassType:          payload.Type,
	})

	return ScanResult{
		StudentID:          studentID,
		Name:               student.Name,
		RegistrationNumber: student.RegistrationNumber,
		Subject:            payload.Subject,
		Date:               payload.Date,
		ClassType:          payload.Type,
	}, nil
}

// Finalize makes the class's attendance match the roster, with any student
// who scanned in forced present, and clears the class's provisional scans.
// Students missing from the roster get no row.
func (s *Service) Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResult, error) {
	req.Subject = strings.TrimSpace(req.Subject)
	req.Date = strings.TrimSpace(req.Date)
	req.ClassType = strings.TrimSpace(req.ClassType)
	if req.Subject == "" || req.Date == "" || req.ClassType == "" {
		metrics.FinalizeTotal.WithLabelValues("invalid").Inc()
		return FinalizeResult{}, ErrMissingParameters
	}

	started := s.now()
	written, err := s.repo.Reconcile(ctx, req.Subject, req.Date, func(scanned map[int]bool) []model.AttendanceRecord {
		return buildRecords(req, scanned)
	})
	metrics.FinalizeDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.FinalizeTotal.WithLabelValues("error").Inc()
		return FinalizeResult{}, persistence("finalize attendance", err)
	}
	metrics.FinalizeTotal.WithLabelValues("ok").Inc()
	metrics.RecordsWritten.Add(float64(written))

	s.publish(ctx, EventFinalized, FinalizedEvent{
		Subject:   req.Subject,
		Date:      req.Date,
		ClassType: req.ClassType,
		Written:   written,
	})
	return FinalizeResult{Written: written}, nil
}

// buildRecords applies the scan override to the roster. A student listed
// twice keeps the last entry's status at the first entry's position.
func buildRecords(req FinalizeRequest, scanned map[int]bool) []model.AttendanceRecord {
	index := make(map[int]int, len(req.Roster))
	records := make([]model.AttendanceRecord, 0, len(req.Roster))
	for _, entry := range req.Roster {
		status := NormalizeStatus(entry.Status)
		if scanned[entry.StudentID] {
			status = model.StatusPresent
		}
		rec := model.AttendanceRecord{
			StudentID: entry.StudentID,
			Subject:   req.Subject,
			Date:      req.Date,
			Status:    status,
			ClassType: req.ClassType,
		}
		if i, ok := index[entry.StudentID]; ok {
			records[i] = rec
			continue
		}
		index[entry.StudentID] = len(records)
		records = append(records, rec)
	}
	return records
}

// NormalizeStatus maps a manual roster status to its stored code; anything
// other than present counts as absent.
func NormalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "p", "present":
		return model.StatusPresent
	default:
		return model.StatusAbsent
	}
}

// ListScans returns the pending scans for a class.
func (s *Service) ListScans(ctx context.Context, subject, date string) ([]model.ProvisionalScan, error) {
	if subject == "" || date == "" {
		return nil, ErrMissingParameters
	}
	scans, err := s.repo.ListScans(ctx, subject, date)
	if err != nil {
		return nil, persistence("list scans", err)
	}
	return scans, nil
}

// ListRecords returns finalized attendance for a class.
func (s *Service) ListRecords(ctx context.Context, subject, date string) ([]model.AttendanceRecord, error) {
	if subject == "" || date == "" {
		return nil, ErrMissingParameters
	}
	records, err := s.repo.ListRecords(ctx, subject, date)
	if err != nil {
		return nil, persistence("list records", err)
	}
	return records, nil
}

// Students returns every student.
func (s *Service) Students(ctx context.Context) ([]model.Student, error) {
	students, err := s.repo.ListStudents(ctx)
	if err != nil {
		return nil, persistence("list students", err)
	}
	return students, nil
}

// Student returns one student or ErrStudentNotFound.
func (s *Service) Student(ctx context.Context, id int) (model.Student, error) {
	st, err := s.repo.GetStudent(ctx, id)
	if err != nil {
		return model.Student{}, persistence("load student", err)
	}
	if st == nil {
		return model.Student{}, ErrStudentNotFound
	}
	return *st, nil
}

// publish is fire-and-forget: a failure never fails the operation that produced the event.
func (s *Service) publish(ctx context.Context, eventType string, data any) {
	if s.events == nil {
		return
	}
	body, err := json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{Type: eventType, Data: data})
	if err != nil {
		log.Printf("encode %s event: %v", eventType, err)
		return
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), eventbus.Message{Type: eventType, Body: body}); err != nil {
		log.Printf("publish %s event failed: %v", eventType, err)
	}
}

// IsClientError reports whether err is the caller's fault rather than a storage failure.
func IsClientError(err error) bool {
	var missing *MissingFieldsError
	return errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrMissingParameters) ||
		errors.Is(err, ErrStudentNotFound) ||
		errors.Is(err, ErrDuplicateScan) ||
		errors.As(err, &missing)
}
