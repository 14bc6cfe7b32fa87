package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campus/internal/attendance"
	"campus/internal/auth"
	"campus/internal/eventbus"
	"campus/internal/model"
	"campus/internal/realtime"
	"campus/internal/store"
	"campus/internal/store/storetest"
)

const (
	testKey    = "handler-test-key"
	testIssuer = "campus-test"
	classQR    = `{"subject":"DBMS","branch":"CSE","semester":3,"date":"2024-03-01","type":"lecture","timestamp":"2024-03-01T09:00:00Z"}`
)

type env struct {
	router *gin.Engine
	db     *store.DB
	bus    *eventbus.InMemory
}

func newEnv(t *testing.T, requireAuth bool) env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := storetest.New(t)
	for _, st := range []model.Student{
		{StudentID: 42, Name: "Asha Rao", Email: "asha@campus.test", RegistrationNumber: "REG042"},
		{StudentID: 43, Name: "Bilal Khan", Email: "bilal@campus.test", RegistrationNumber: "REG043"},
	} {
		st := st
		require.NoError(t, db.Gorm.Create(&st).Error)
	}
	require.NoError(t, db.Gorm.Create(&model.User{Name: "Dean", Email: "dean@campus.test", Password: "s3cret", Role: model.RoleAdmin}).Error)
	require.NoError(t, db.Gorm.Create(&model.User{Name: "Asha Rao", Email: "asha@campus.test", Password: "cutm123", Role: model.RoleStudent}).Error)

	bus := eventbus.NewInMemory(16)
	svc := attendance.NewService(attendance.NewRepository(db.Gorm), bus)
	hub := realtime.NewHub(time.Second)
	t.Cleanup(hub.Close)

	h := New(svc, auth.NewUsers(db.Gorm), hub, realtime.NewUpgrader([]string{"*"}), Options{
		JWTIssuer:     testIssuer,
		JWTSigningKey: testKey,
		AccessTTL:     time.Hour,
		RequireAuth:   requireAuth,
	})
	r := gin.New()
	h.Register(r)
	return env{router: r, db: db, bus: bus}
}

func (e env) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

func TestSubmitScan(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodPost, "/attendance/qr-scans", gin.H{"qrData": classQR, "studentId": 42}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{
		"message": "Attendance recorded successfully",
		"newScans": [{"studentId": 42, "name": "Asha Rao", "registration_number": "REG042"}]
	}`, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/attendance/qr-scans", gin.H{"qrData": classQR, "studentId": 42}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, attendance.ErrDuplicateScan.Error(), detail(t, rec))
}

func TestSubmitScanErrors(t *testing.T) {
	e := newEnv(t, false)

	tests := []struct {
		name   string
		body   any
		status int
		detail string
	}{
		{"unknown student", gin.H{"qrData": classQR, "studentId": 999}, http.StatusNotFound, "student not found"},
		{"malformed qr", gin.H{"qrData": "not json", "studentId": 42}, http.StatusBadRequest, "invalid QR data format"},
		{"missing fields", gin.H{"qrData": `{"subject":"DBMS"}`, "studentId": 42}, http.StatusBadRequest, "missing required fields: branch, semester, date, type"},
		{"no student id", gin.H{"qrData": classQR}, http.StatusBadRequest, "missing required fields: studentId"},
		{"bad body", "[]", http.StatusBadRequest, "invalid QR data format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/attendance/qr-scans", tt.body, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.detail, detail(t, rec))
		})
	}
}

func TestSubmitScanTakesStudentFromToken(t *testing.T) {
	e := newEnv(t, false)
	tok, err := auth.Issue(model.User{ID: 2, Role: model.RoleStudent}, 43, testIssuer, testKey, time.Hour)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/attendance/qr-scans", gin.H{"qrData": classQR}, tok.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"studentId":43`)
}

func TestSubmitScanRejectsOtherStudentForStudentToken(t *testing.T) {
	e := newEnv(t, false)
	student, err := auth.Issue(model.User{ID: 2, Role: model.RoleStudent}, 43, testIssuer, testKey, time.Hour)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/attendance/qr-scans", gin.H{"qrData": classQR, "studentId": 42}, student.AccessToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "studentId does not match the signed-in student", detail(t, rec))

	// nothing was recorded for the named student
	rec = e.do(t, http.MethodGet, "/attendance/qr-scans?subject=DBMS&date=2024-03-01", nil, "")
	assert.JSONEq(t, `[]`, rec.Body.String())

	// naming itself is fine
	rec = e.do(t, http.MethodPost, "/attendance/qr-scans", gin.H{"qrData": classQR, "studentId": 43}, student.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	// admins may record for any student
	admin, err := auth.Issue(model.User{ID: 1, Role: model.RoleAdmin}, 0, testIssuer, testKey, time.Hour)
	require.NoError(t, err)
	rec = e.do(t, http.MethodPost, "/attendance/qr-scans", gin.H{"qrData": classQR, "studentId": 42}, admin.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitScanPublishesEvent(t *testing.T) {
	e := newEnv(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := e.bus.Subscribe(ctx)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/attendance/qr-scans", gin.H{"qrData": classQR, "studentId": 42}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case msg := <-msgs:
		assert.Equal(t, attendance.EventQRScan, msg.Type)
		assert.Contains(t, string(msg.Body), `"registration_number":"REG042"`)
	case <-time.After(time.Second):
		t.Fatal("no scan event published")
	}
}

func TestFinalizeFlow(t *testing.T) {
	e := newEnv(t, false)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/attendance/qr-scans", gin.H{"qrData": classQR, "studentId": 42}, "").Code)

	rec := e.do(t, http.MethodGet, "/attendance/qr-scans?subject=DBMS&date=2024-03-01", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var scans []model.ProvisionalScan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scans))
	require.Len(t, scans, 1)
	assert.Equal(t, 42, scans[0].StudentID)

	rec = e.do(t, http.MethodPost, "/attendance/finalize", gin.H{
		"subject": "DBMS",
		"date":    "2024-03-01",
		"type":    "lecture",
		"attendanceData": []gin.H{
			{"studentId": 42, "status": "A"},
			{"studentId": 43, "status": "absent"},
		},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"message":"Attendance finalized successfully"}`, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/attendance?subject=DBMS&date=2024-03-01", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []model.AttendanceRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	got := map[int]string{}
	for _, r := range records {
		got[r.StudentID] = r.Status
	}
	assert.Equal(t, map[int]string{42: model.StatusPresent, 43: model.StatusAbsent}, got)

	rec = e.do(t, http.MethodGet, "/attendance/qr-scans?subject=DBMS&date=2024-03-01", nil, "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestFinalizeMissingParameters(t *testing.T) {
	e := newEnv(t, false)
	rec := e.do(t, http.MethodPost, "/attendance/finalize", gin.H{"subject": "DBMS", "date": "2024-03-01"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, attendance.ErrMissingParameters.Error(), detail(t, rec))
}

func TestFinalizeRequiresAdminWhenEnforced(t *testing.T) {
	e := newEnv(t, true)
	body := gin.H{"subject": "DBMS", "date": "2024-03-01", "type": "lecture", "attendanceData": []gin.H{}}

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, "/attendance/finalize", body, "").Code)

	student, err := auth.Issue(model.User{ID: 2, Role: model.RoleStudent}, 42, testIssuer, testKey, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/attendance/finalize", body, student.AccessToken).Code)

	admin, err := auth.Issue(model.User{ID: 1, Role: model.RoleAdmin}, 0, testIssuer, testKey, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/attendance/finalize", body, admin.AccessToken).Code)
}

func TestListRecordsNeedsClass(t *testing.T) {
	e := newEnv(t, false)
	rec := e.do(t, http.MethodGet, "/attendance?subject=DBMS", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStudents(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodGet, "/students", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var students []model.Student
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &students))
	assert.Len(t, students, 2)

	rec = e.do(t, http.MethodGet, "/students/43", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Bilal Khan")

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/students/999", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/students/abc", nil, "").Code)
}

func TestQRCode(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodGet, "/attendance/qr-code?subject=DBMS&branch=CSE&semester=3&date=2024-03-01&type=lab&size=128", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = e.do(t, http.MethodGet, "/attendance/qr-code?subject=DBMS", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodPost, "/login", gin.H{"email": "asha@campus.test", "password": "cutm123", "role": "student"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Success     bool   `json:"success"`
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success)

	claims, err := auth.Parse(body.AccessToken, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, 42, claims.StudentID)
	assert.Equal(t, model.RoleStudent, claims.Role)

	rec = e.do(t, http.MethodPost, "/login", gin.H{"email": "asha@campus.test", "password": "nope", "role": "student"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)

	rec = e.do(t, http.MethodPost, "/login", gin.H{"email": "asha@campus.test", "password": "cutm123", "role": "faculty"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStorageFailureIsInternalError(t *testing.T) {
	e := newEnv(t, false)
	require.NoError(t, e.db.Close())

	rec := e.do(t, http.MethodPost, "/attendance/qr-scans", gin.H{"qrData": classQR, "studentId": 42}, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", detail(t, rec))
}
