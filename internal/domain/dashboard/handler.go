// Package dashboard serves rendered dashboard images fetched from the CRM.
package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/middleware"
	"github.com/ehr/portal/internal/platform/remote"
	"github.com/ehr/portal/pkg/soql"
)

// AssetDownloader fetches rendered assets.
type AssetDownloader interface {
	DownloadAsset(ctx context.Context, asset remote.AssetRequest) ([]byte, error)
}

const defaultAssetType = "png"

var assetTypes = map[string]bool{"png": true, "image": true}

type Handler struct {
	assets  AssetDownloader
	limiter *middleware.RateLimiter
}

func NewHandler(assets AssetDownloader, limiter *middleware.RateLimiter) *Handler {
	return &Handler{assets: assets, limiter: limiter}
}

func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	mw = append(mw[:len(mw):len(mw)], middleware.RateLimit(h.limiter, middleware.ClassData))
	api.POST("/tableau-image", h.Image, mw...)
}

type imageRequest struct {
	DashboardName string `json:"dashboardName"`
	CustomViewID  string `json:"customViewId"`
	AssetType     string `json:"assetType"`
}

func (r *imageRequest) toAsset() (remote.AssetRequest, error) {
	name, err := soql.Validate(r.DashboardName)
	if err != nil {
		return remote.AssetRequest{}, apperr.Validation("dashboardName is required and may contain only letters, digits, spaces and - & . ,")
	}
	view := strings.TrimSpace(r.CustomViewID)
	if view != "" {
		if _, err := soql.Validate(view); err != nil {
			return remote.AssetRequest{}, apperr.Validation("customViewId contains invalid characters")
		}
	}
	kind := strings.ToLower(strings.TrimSpace(r.AssetType))
	if kind == "" {
		kind = defaultAssetType
	}
	if !assetTypes[kind] {
		return remote.AssetRequest{}, apperr.Validation("assetType %q is not supported", r.AssetType)
	}
	return remote.AssetRequest{Name: name, ViewID: view, AssetType: kind}, nil
}

// Image streams the rendered dashboard as PNG.
func (h *Handler) Image(c echo.Context) error {
	var req imageRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	asset, err := req.toAsset()
	if err != nil {
		return err
	}

	data, err := h.assets.DownloadAsset(c.Request().Context(), asset)
	if err != nil {
		return err
	}
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		return apperr.Remote("dashboard asset is not an image", fmt.Errorf("got %s (%d bytes)", ct, len(data)))
	}

	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=300")
	return c.Blob(http.StatusOK, "image/png", data)
}
