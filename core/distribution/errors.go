package distribution

import "github.com/pkg/errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrOrganizationNeeded = errors.New("an organization is required to send a global template")
)
