package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/purchase"
	"github.com/alanyoungcy/digitalmarket/internal/service"
)

// MarketplaceService is what the listing handler needs from the service
// layer.
type MarketplaceService interface {
	CreateListing(ctx context.Context, in service.CreateInput) (service.CreateResult, error)
	ResumeListing(ctx context.Context, listingID uint64) (service.CreateResult, error)
	Buy(ctx context.Context, in service.BuyInput) (purchase.Receipt, error)
	SetPrice(ctx context.Context, in service.PriceInput) (domain.ListingView, error)
	DeleteListing(ctx context.Context, seller string, listingID uint64) (service.DeleteResult, error)
	Refresh(ctx context.Context, listingID uint64) domain.ListingView
	View(ctx context.Context, listingID uint64) domain.ListingView
	ListListings(ctx context.Context, seller string, opts domain.ListOpts) ([]domain.Listing, error)
	ListPurchases(ctx context.Context, listingID uint64, opts domain.ListOpts) ([]domain.Purchase, error)
	Accounts() []string
}

// ArchiveLister lists archived listing objects. The s3blob reader satisfies
// it.
type ArchiveLister interface {
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
}

// ListingHandler serves the listing and purchase endpoints.
type ListingHandler struct {
	svc      MarketplaceService
	archives ArchiveLister
	prefix   func(listingID uint64) string
	logger   *slog.Logger
}

// NewListingHandler creates a ListingHandler. archives may be nil;
// archivePrefix maps a listing to its archive prefix.
func NewListingHandler(svc MarketplaceService, archives ArchiveLister, archivePrefix func(uint64) string, logger *slog.Logger) *ListingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ListingHandler{
		svc:      svc,
		archives: archives,
		prefix:   archivePrefix,
		logger:   logger.With(slog.String("handler", "listing")),
	}
}

// viewResponse is a listing view with the price in whole currency units.
type viewResponse struct {
	domain.ListingView
	UnitaryPriceDisplay float64 `json:"unitary_price_display"`
	SoldOut             bool    `json:"sold_out"`
	Exists              bool    `json:"exists"`
}

func newViewResponse(v domain.ListingView) viewResponse {
	return viewResponse{
		ListingView:         v,
		UnitaryPriceDisplay: domain.DisplayAmount(v.UnitaryPrice),
		SoldOut:             v.SoldOut(),
		Exists:              v.Exists(),
	}
}

type createRequest struct {
	Seller       string `json:"seller"`
	UnitaryPrice uint64 `json:"unitary_price"`
	Quantity     uint64 `json:"quantity"`
	AssetID      uint64 `json:"asset_id"`
}

type createResponse struct {
	Progress any          `json:"progress"`
	View     viewResponse `json:"view"`
	Error    string       `json:"error,omitempty"`
	// FailedStep names the step to resume from after a failure.
	FailedStep string `json:"failed_step,omitempty"`
}

type buyRequest struct {
	Buyer        string `json:"buyer"`
	Quantity     uint64 `json:"quantity"`
	UnitaryPrice uint64 `json:"unitary_price"`
}

type priceRequest struct {
	Seller       string `json:"seller"`
	UnitaryPrice uint64 `json:"unitary_price"`
}

// ListListings returns recorded listings, optionally for one seller.
// GET /api/listings?seller=0x...&limit=50&offset=0
func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	listings, err := h.svc.ListListings(r.Context(), r.URL.Query().Get("seller"), parseListOpts(r))
	if err != nil {
		h.fail(w, r, "list listings", err)
		return
	}
	if listings == nil {
		listings = []domain.Listing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings})
}

// GetListing refreshes a listing from the ledger, or serves the cached view
// with ?cached=true.
// GET /api/listings/{id}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	var view domain.ListingView
	if strings.EqualFold(r.URL.Query().Get("cached"), "true") {
		view = h.svc.View(r.Context(), id)
	} else {
		view = h.svc.Refresh(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, newViewResponse(view))
}

// CreateListing creates and stocks a listing. The Idempotency-Key header
// rejects resubmissions.
// POST /api/listings
func (h *ListingHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := h.svc.CreateListing(r.Context(), service.CreateInput{
		Seller:         req.Seller,
		UnitaryPrice:   req.UnitaryPrice,
		Quantity:       req.Quantity,
		AssetID:        req.AssetID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	h.writeCreate(w, r, http.StatusCreated, res, err)
}

// ResumeListing continues a partially created listing.
// POST /api/listings/{id}/resume
func (h *ListingHandler) ResumeListing(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	res, err := h.svc.ResumeListing(r.Context(), id)
	h.writeCreate(w, r, http.StatusOK, res, err)
}

// writeCreate answers create and resume. A failed step still reports the
// committed progress so the client can resume.
func (h *ListingHandler) writeCreate(w http.ResponseWriter, r *http.Request, okStatus int, res service.CreateResult, err error) {
	out := createResponse{Progress: res.Progress, View: newViewResponse(res.View)}
	if err == nil {
		writeJSON(w, okStatus, out)
		return
	}
	var se *domain.StepError
	if !errors.As(err, &se) {
		h.fail(w, r, "create listing", err)
		return
	}
	h.logger.WarnContext(r.Context(), "handler: create listing step failed",
		slog.String("step", se.Step.String()),
		slog.Uint64("listing_id", se.ListingID),
		slog.Uint64("asset_id", se.AssetID),
		slog.String("error", err.Error()),
	)
	out.Error = err.Error()
	out.FailedStep = se.Step.String()
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, out)
}

// Buy purchases units of a listing.
// POST /api/listings/{id}/buy
func (h *ListingHandler) Buy(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	var req buyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rcpt, err := h.svc.Buy(r.Context(), service.BuyInput{
		Buyer:          req.Buyer,
		ListingID:      id,
		Quantity:       req.Quantity,
		UnitaryPrice:   req.UnitaryPrice,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, r, "buy", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":        rcpt,
		"amount_display": domain.DisplayAmount(rcpt.Amount),
		"view":           newViewResponse(rcpt.View),
	})
}

// SetPrice changes a listing's unitary price.
// PUT /api/listings/{id}/price
func (h *ListingHandler) SetPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	var req priceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	view, err := h.svc.SetPrice(r.Context(), service.PriceInput{
		Seller:       req.Seller,
		ListingID:    id,
		UnitaryPrice: req.UnitaryPrice,
	})
	if err != nil {
		h.fail(w, r, "set price", err)
		return
	}
	writeJSON(w, http.StatusOK, newViewResponse(view))
}

// DeleteListing deletes a sold-out listing.
// DELETE /api/listings/{id}?seller=0x...
func (h *ListingHandler) DeleteListing(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	res, err := h.svc.DeleteListing(r.Context(), r.URL.Query().Get("seller"), id)
	if err != nil {
		h.fail(w, r, "delete listing", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListPurchases returns the recorded purchases of a listing.
// GET /api/listings/{id}/purchases
func (h *ListingHandler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	purchases, err := h.svc.ListPurchases(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.fail(w, r, "list purchases", err)
		return
	}
	if purchases == nil {
		purchases = []domain.Purchase{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchases": purchases})
}

// ListArchives returns the archive objects of a deleted listing.
// GET /api/listings/{id}/archives
func (h *ListingHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	if h.archives == nil || h.prefix == nil {
		writeError(w, http.StatusNotFound, "archives are not configured")
		return
	}
	infos, err := h.archives.List(r.Context(), h.prefix(id))
	if err != nil {
		h.fail(w, r, "list archives", err)
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": infos})
}

// ListAccounts returns the addresses this server signs for.
// GET /api/accounts
func (h *ListingHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := h.svc.Accounts()
	if accounts == nil {
		accounts = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (h *ListingHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}
