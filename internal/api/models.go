package api

const (
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
)

// Error represents a standardized error structure
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error Error `json:"error"`
}

type PendingRefUpdateOutput struct {
	ID        int64  `json:"id"`
	Output    string `json:"output"`
	Traceback bool   `json:"traceback"`
}

type PendingRefUpdate struct {
	ID             int64                    `json:"id"`
	Repository     int64                    `json:"repository"`
	Name           string                   `json:"name"`
	OldSHA1        string                   `json:"old_sha1"`
	NewSHA1        string                   `json:"new_sha1"`
	Updater        *int64                   `json:"updater"`
	State          string                   `json:"state"`
	StartedAt      string                   `json:"started_at"`
	BranchUpdateID *int64                   `json:"branchupdate"`
	Abandoned      bool                     `json:"abandoned"`
	Outputs        []PendingRefUpdateOutput `json:"outputs"`
}
