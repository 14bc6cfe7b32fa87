package handler

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"campus/internal/attendance"
	"campus/internal/auth"
	"campus/internal/model"
	"campus/internal/qrcode"
	"campus/internal/realtime"
)

// Options tune the routes registered by Handler.
type Options struct {
	JWTIssuer     string
	JWTSigningKey string
	AccessTTL     time.Duration
	// RequireAuth makes finalize admin-only; otherwise tokens are optional.
	RequireAuth bool
}

type Handler struct {
	att      *attendance.Service
	users    *auth.Users
	hub      *realtime.Hub
	upgrader *websocket.Upgrader
	opts     Options
}

func New(att *attendance.Service, users *auth.Users, hub *realtime.Hub, upgrader *websocket.Upgrader, opts Options) *Handler {
	return &Handler{att: att, users: users, hub: hub, upgrader: upgrader, opts: opts}
}

// Register mounts every API route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.Use(auth.Bearer(h.opts.JWTSigningKey, h.opts.JWTIssuer, false))

	r.POST("/login", h.Login)
	r.GET("/students", h.ListStudents)
	r.GET("/students/:id", h.GetStudent)

	r.POST("/attendance/qr-scans", h.SubmitScan)
	r.GET("/attendance/qr-scans", h.ListScans)
	r.GET("/attendance/qr-code", h.QRCode)
	r.GET("/attendance", h.ListRecords)
	r.POST("/attendance/finalize", auth.RequireRole(model.RoleAdmin, h.opts.RequireAuth), h.Finalize)

	r.GET("/ws", h.hub.ServeWS(h.upgrader))
}

// ---------- Attendance ----------

type scanRequest struct {
	QRData    string `json:"qrData"`
	StudentID *int   `json:"studentId"`
}

type newScan struct {
	StudentID          int    `json:"studentId"`
	Name               string `json:"name"`
	RegistrationNumber string `json:"registration_number"`
}

// SubmitScan records a QR check-in. Without an explicit studentId the
// student id carried by the caller's token is used; a student token cannot
// name a different student.
func (h *Handler) SubmitScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, attendance.ErrMalformedPayload)
		return
	}

	claims, hasClaims := auth.ClaimsFrom(c)
	tokenStudent := 0
	if hasClaims && claims.Role == model.RoleStudent {
		tokenStudent = claims.StudentID
	}

	studentID := tokenStudent
	if req.StudentID != nil {
		studentID = *req.StudentID
	}
	// a student token may only check its own student in
	if tokenStudent > 0 && studentID != tokenStudent {
		log.Printf("scan for student %d rejected: token belongs to student %d", studentID, tokenStudent)
		c.JSON(http.StatusForbidden, gin.H{"detail": "studentId does not match the signed-in student"})
		return
	}
	if studentID == 0 {
		if _, err := attendance.ParseQRPayload(req.QRData); err != nil {
			writeError(c, err)
			return
		}
		writeError(c, &attendance.MissingFieldsError{Fields: []string{"studentId"}})
		return
	}

	res, err := h.att.SubmitScan(c.Request.Context(), req.QRData, studentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Attendance recorded successfully",
		"newScans": []newScan{{
			StudentID:          res.StudentID,
			Name:               res.Name,
			RegistrationNumber: res.RegistrationNumber,
		}},
	})
}

type finalizeRequest struct {
	Subject        string                   `json:"subject"`
	Date           string                   `json:"date"`
	Type           string                   `json:"type"`
	AttendanceData []attendance.RosterEntry `json:"attendanceData"`
}

func (h *Handler) Finalize(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, attendance.ErrMissingParameters)
		return
	}
	res, err := h.att.Finalize(c.Request.Context(), attendance.FinalizeRequest{
		Subject:   req.Subject,
		Date:      req.Date,
		ClassType: req.Type,
		Roster:    req.AttendanceData,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	log.Printf("finalized %s %s (%s): %d records", req.Subject, req.Date, req.Type, res.Written)
	c.JSON(http.StatusOK, gin.H{"message": "Attendance finalized successfully"})
}

func (h *Handler) ListScans(c *gin.Context) {
	scans, err := h.att.ListScans(c.Request.Context(), c.Query("subject"), c.Query("date"))
	if err != nil {
		writeError(c, err)
		return
	}
	if scans == nil {
		scans = []model.ProvisionalScan{}
	}
	c.JSON(http.StatusOK, scans)
}

func (h *Handler) ListRecords(c *gin.Context) {
	records, err := h.att.ListRecords(c.Request.Context(), c.Query("subject"), c.Query("date"))
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []model.AttendanceRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// QRCode renders the PNG a lecturer projects for students to scan.
func (h *Handler) QRCode(c *gin.Context) {
	semester, _ := strconv.Atoi(c.Query("semester"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "256"))
	png, err := qrcode.PNG(qrcode.Class{
		Subject:  c.Query("subject"),
		Branch:   c.Query("branch"),
		Semester: semester,
		Date:     c.Query("date"),
		Type:     c.Query("type"),
	}, time.Now(), size)
	if errors.Is(err, qrcode.ErrIncomplete) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if err != nil {
		log.Printf("qr code render failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to render QR code"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

// ---------- Students ----------

func (h *Handler) ListStudents(c *gin.Context) {
	students, err := h.att.Students(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if students == nil {
		students = []model.Student{}
	}
	c.JSON(http.StatusOK, students)
}

func (h *Handler) GetStudent(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid student id"})
		return
	}
	st, err := h.att.Student(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ---------- Login ----------

type loginRequest struct {
	Email    string     `json:"email" binding:"required"`
	Password string     `json:"password" binding:"required"`
	Role     model.Role `json:"role" binding:"required,oneof=student admin"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	user, studentID, err := h.users.Authenticate(c.Request.Context(), req.Email, req.Password, req.Role)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		c.JSON(http.StatusOK, gin.H{"success": false, "user": nil, "message": "Invalid credentials or role."})
		return
	}
	if err != nil {
		log.Printf("login lookup failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
		return
	}
	tok, err := auth.Issue(user, studentID, h.opts.JWTIssuer, h.opts.JWTSigningKey, h.opts.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"user":         gin.H{"id": user.ID, "name": user.Name, "email": user.Email, "role": user.Role},
		"message":      nil,
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt.Unix(),
	})
}

// writeError maps engine errors onto status codes: 404 for unknown students,
// 400 for other client errors, 500 for everything else.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrStudentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
	case attendance.IsClientError(err):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	default:
		log.Printf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
	}
}
