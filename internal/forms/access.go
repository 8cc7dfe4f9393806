package forms

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/multiforms/backend/internal/middleware"
	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/pkg/response"
)

// Getter loads forms by id.
type Getter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Form, error)
}

// CanManage reports whether the caller owns the form or is an admin.
func CanManage(who middleware.Identity, f models.Form) bool {
	return who.IsAdmin() || who.UserID == f.OwnerID
}

// Owned resolves the form named by the :id route param and checks that the caller may manage
// it. On failure it writes the error response and returns nil.
func Owned(c *gin.Context, repo Getter) *models.Form {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid form id")
		return nil
	}
	return OwnedByID(c, repo, id)
}

// OwnedByID is Owned for an id taken from somewhere other than the route.
func OwnedByID(c *gin.Context, repo Getter, id uuid.UUID) *models.Form {
	who, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return nil
	}
	f, err := repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "form not found")
		return nil
	}
	if err != nil {
		response.Internal(c, "failed to load form")
		return nil
	}
	if !CanManage(who, *f) {
		response.Forbidden(c, "you do not have access to this form")
		return nil
	}
	return f
}
