package api

import (
	"strings"
	"time"

	"bootvault/pkg/errs"
	"bootvault/services/artifacts"
	"bootvault/services/audit"
	"bootvault/services/catalog"
)

type errorResponse struct {
	Error string `json:"error"`
}

type artifactListResponse struct {
	Artifacts []artifacts.Artifact `json:"artifacts"`
}

type presignResponse struct {
	URL       string `json:"url"`
	ExpiresIn int64  `json:"expires_in"`
}

type profileSummary struct {
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

type profileListResponse struct {
	Profiles []profileSummary `json:"profiles"`
}

type upsertProfileRequest struct {
	ScriptBody *string `json:"script_body"`
}

func (req upsertProfileRequest) validate() error {
	if req.ScriptBody == nil {
		return errs.Validationf("script_body is required")
	}
	return nil
}

type accountListResponse struct {
	Accounts []catalog.Account `json:"accounts"`
}

type createAccountRequest struct {
	Principal       string `json:"principal"`
	Secret          string `json:"secret"`
	AssignedProfile string `json:"assigned_profile"`
}

func (req createAccountRequest) validate() error {
	if strings.TrimSpace(req.Principal) == "" {
		return errs.Validationf("principal is required")
	}
	if req.Secret == "" {
		return errs.Validationf("secret is required")
	}
	return nil
}

type updateAccountRequest struct {
	Secret          *string `json:"secret"`
	AssignedProfile string  `json:"assigned_profile"`
}

func (req updateAccountRequest) validate() error {
	if req.Secret != nil && *req.Secret == "" {
		return errs.Validationf("secret must not be empty when present")
	}
	return nil
}

type attemptListResponse struct {
	Attempts []audit.Record `json:"attempts"`
}

// bootResolveRequest is the query string the entry script makes the firmware send.
type bootResolveRequest struct {
	Username string
	Password string
	MAC      string
}

type artifactEvent struct {
	StoredName string `json:"stored_name"`
	Digest     string `json:"digest,omitempty"`
	Size       int64  `json:"size,omitempty"`
}
