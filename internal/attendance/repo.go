package attendance

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"campus/internal/model"
)

// Repository persists students, provisional scans and attendance rows through gorm.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repo.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// GetStudent returns the student or nil when none has that id.
func (r *Repository) GetStudent(ctx context.Context, id int) (*model.Student, error) {
	var st model.Student
	err := r.db.WithContext(ctx).First(&st, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load student %d", id)
	}
	return &st, nil
}

// ListStudents returns every student ordered by id.
func (r *Repository) ListStudents(ctx context.Context) ([]model.Student, error) {
	var students []model.Student
	if err := r.db.WithContext(ctx).Order(clause.OrderByColumn{Column: clause.Column{Name: "studentId"}}).Find(&students).Error; err != nil {
		return nil, errors.Wrap(err, "list students")
	}
	return students, nil
}

// ScanExists reports whether the student already scanned in for subject on date.
func (r *Repository) ScanExists(ctx context.Context, studentID int, subject, date string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.ProvisionalScan{}).
		Where(map[string]any{"student_id": studentID, "subject": subject, "date": date}).
		Count(&n).Error
	if err != nil {
		return false, errors.Wrap(err, "count scans")
	}
	return n > 0, nil
}

// InsertScan stores a provisional scan. Unique-key violations are returned as-is.
func (r *Repository) InsertScan(ctx context.Context, scan *model.ProvisionalScan) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(scan).Error, "insert scan")
}

// ListScans returns the pending scans for a class.
func (r *Repository) ListScans(ctx context.Context, subject, date string) ([]model.ProvisionalScan, error) {
	var scans []model.ProvisionalScan
	err := r.db.WithContext(ctx).
		Where(map[string]any{"subject": subject, "date": date}).
		Order("id").
		Find(&scans).Error
	return scans, errors.Wrap(err, "list scans")
}

// ListRecords returns the finalized attendance rows for a class.
func (r *Repository) ListRecords(ctx context.Context, subject, date string) ([]model.AttendanceRecord, error) {
	var records []model.AttendanceRecord
	err := r.db.WithContext(ctx).
		Where(map[string]any{"subject": subject, "date": date}).
		Order("student_id").
		Find(&records).Error
	return records, errors.Wrap(err, "list records")
}

// Reconcile runs the finalize transaction for one class: it locks the
// (subject, date) key, reads the scanned student ids, lets decide turn them
// into attendance rows, upserts those rows and clears the class's scans.
// Nothing is written unless every step succeeds.
func (r *Repository) Reconcile(ctx context.Context, subject, date string, decide func(scanned map[int]bool) []model.AttendanceRecord) (int, error) {
	written := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockClass(tx, subject, date); err != nil {
			return errors.Wrap(err, "lock class")
		}

		var ids []int
		err := tx.Model(&model.ProvisionalScan{}).
			Where(map[string]any{"subject": subject, "date": date}).
			Pluck("student_id", &ids).Error
		if err != nil {
			return errors.Wrap(err, "read scans")
		}
		scanned := make(map[int]bool, len(ids))
		for _, id := range ids {
			scanned[id] = true
		}

		records := decide(scanned)
		if len(records) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "student_id"}, {Name: "subject"}, {Name: "date"}},
				DoUpdates: clause.AssignmentColumns([]string{"status", "class_type", "updated_at"}),
			}).Create(&records).Error
			if err != nil {
				return errors.Wrap(err, "upsert attendance")
			}
		}
		written = len(records)

		err = tx.Where(map[string]any{"subject": subject, "date": date}).
			Delete(&model.ProvisionalScan{}).Error
		return errors.Wrap(err, "clear scans")
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// lockClass serializes finalize calls for the same class. Postgres takes a
// transaction-scoped advisory lock; sqlite already admits one writer at a time.
func lockClass(tx *gorm.DB, subject, date string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", subject+"|"+date).Error
}
