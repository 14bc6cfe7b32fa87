package model

import "time"

// Attendance status codes as stored in attendance.status.
const (
	StatusPresent = "P"
	StatusAbsent  = "A"
)

// Role is the account role of a User.
type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// Student represents an enrolled student.
type Student struct {
	StudentID          int    `json:"studentId" gorm:"column:studentId;primaryKey;autoIncrement"`
	Name               string `json:"name" gorm:"size:100;not null"`
	Email              string `json:"email" gorm:"size:100;uniqueIndex;not null"`
	RegistrationNumber string `json:"registration_number" gorm:"size:50;not null"`
	Semester           *int   `json:"semester"`
	Branch             string `json:"branch" gorm:"size:50"`
	Specialization     string `json:"specialization" gorm:"size:100"`
	StartingYear       *int   `json:"starting_year"`
	PassoutYear        *int   `json:"passout_year"`
}

func (Student) TableName() string { return "student" }

// User is a login account; students get one alongside their Student row.
type User struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	Name     string `json:"name" gorm:"size:255"`
	Email    string `json:"email" gorm:"size:255;uniqueIndex"`
	Password string `json:"-" gorm:"size:255"`
	Role     Role   `json:"role" gorm:"size:20"`
}

func (User) TableName() string { return "users" }

// ProvisionalScan is a QR check-in waiting for the class to be finalized.
type ProvisionalScan struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	StudentID int       `json:"studentId" gorm:"not null;uniqueIndex:uq_scan_student_subject_date,priority:1"`
	Subject   string    `json:"subject" gorm:"size:100;not null;uniqueIndex:uq_scan_student_subject_date,priority:2;index:idx_scan_subject_date,priority:1"`
	Date      string    `json:"date" gorm:"size:10;not null;uniqueIndex:uq_scan_student_subject_date,priority:3;index:idx_scan_subject_date,priority:2"`
	ClassType string    `json:"class_type" gorm:"size:20"`
	Timestamp string    `json:"timestamp" gorm:"size:40"`
	CreatedAt time.Time `json:"created_at"`
}

func (ProvisionalScan) TableName() string { return "qr_attendance_scans" }

// AttendanceRecord is the permanent outcome for one student, subject and date.
type AttendanceRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	StudentID int       `json:"studentId" gorm:"not null;uniqueIndex:uq_attendance_student_subject_date,priority:1"`
	Subject   string    `json:"subject" gorm:"size:100;not null;uniqueIndex:uq_attendance_student_subject_date,priority:2;index:idx_attendance_subject_date,priority:1"`
	Date      string    `json:"date" gorm:"size:10;not null;uniqueIndex:uq_attendance_student_subject_date,priority:3;index:idx_attendance_subject_date,priority:2"`
	Status    string    `json:"status" gorm:"size:1;not null"`
	ClassType string    `json:"type" gorm:"size:20"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AttendanceRecord) TableName() string { return "attendance" }

// All lists every persisted model, in migration order.
func All() []any {
	return []any{&Student{}, &User{}, &ProvisionalScan{}, &AttendanceRecord{}}
}
