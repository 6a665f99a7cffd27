package domain

import "errors"

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidStudentID    = errors.New("invalid_student_id")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidEmail        = errors.New("invalid_email")
	ErrInvalidTotalFees    = errors.New("invalid_total_fees")
	ErrTotalBelowPaid      = errors.New("total_fees_below_paid")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInvalidStatus       = errors.New("invalid_status")
	ErrStudentExists       = errors.New("student_exists")
	ErrNotFound            = errors.New("not_found")
)
