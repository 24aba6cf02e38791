package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"marketplace-backend/internal/logging"
	"marketplace-backend/internal/marketplace"
	"marketplace-backend/internal/model"
	"marketplace-backend/internal/projections"
)

// Service is the marketplace use-case surface served over HTTP.
type Service interface {
	CreateListing(ctx context.Context, req marketplace.CreateListingRequest) (*model.Listing, error)
	ListListings(ctx context.Context) ([]model.Listing, error)
	ListOffers(ctx context.Context) ([]model.OfferView, error)
	CreateOffer(ctx context.Context, req marketplace.CreateOfferRequest) (*model.Offer, error)
	RespondToOffer(ctx context.Context, offerID int64, req marketplace.RespondToOfferRequest) (*model.Offer, error)
}

// ActivityReader serves the Redis read models. nil disables the activity routes.
type ActivityReader interface {
	ListingActivity(ctx context.Context, id int64) (*projections.ListingActivity, error)
	RecentlyActive(ctx context.Context, limit int64) ([]int64, error)
}

type Options struct {
	Activity ActivityReader
	// Ping reports the health of backing stores. nil means always healthy.
	Ping func(ctx context.Context) error
}

type handler struct {
	svc  Service
	opts Options
}

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 100
)

// RegisterRoutes wires the marketplace routes.
// gorilla/mux: method matchers and typed path variables.
func RegisterRoutes(r *mux.Router, svc Service, opts Options) {
	h := &handler{svc: svc, opts: opts}

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	r.HandleFunc("/listings", h.createListing).Methods(http.MethodPost)
	r.HandleFunc("/listings", h.listListings).Methods(http.MethodGet)
	r.HandleFunc("/listings/{id:[0-9]+}/activity", h.listingActivity).Methods(http.MethodGet)
	r.HandleFunc("/activity/recent", h.recentActivity).Methods(http.MethodGet)

	r.HandleFunc("/offers", h.createOffer).Methods(http.MethodPost)
	r.HandleFunc("/offers", h.listOffers).Methods(http.MethodGet)
	r.HandleFunc("/offers/{id:[0-9]+}", h.respondToOffer).Methods(http.MethodPost)
}

// NewRouter builds the full handler: routes plus the middleware chain.
// inner middlewares run closest to the routes, after CORS and logging.
func NewRouter(svc Service, opts Options, inner ...func(http.Handler) http.Handler) http.Handler {
	r := mux.NewRouter()
	RegisterRoutes(r, svc, opts)

	var h http.Handler = r
	for i := len(inner) - 1; i >= 0; i-- {
		h = inner[i](h)
	}
	return requestID(logging.Middleware(cors(h)))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ping != nil {
		if err := h.opts.Ping(r.Context()); err != nil {
			logError(r, err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) createListing(w http.ResponseWriter, r *http.Request) {
	var req marketplace.CreateListingRequest
	if !decode(w, r, &req) {
		return
	}
	listing, err := h.svc.CreateListing(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created{Message: "Listing created", ID: listing.ID})
}

func (h *handler) listListings(w http.ResponseWriter, r *http.Request) {
	listings, err := h.svc.ListListings(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

func (h *handler) createOffer(w http.ResponseWriter, r *http.Request) {
	var req marketplace.CreateOfferRequest
	if !decode(w, r, &req) {
		return
	}
	offer, err := h.svc.CreateOffer(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created{Message: "Offer created", ID: offer.ID})
}

func (h *handler) listOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.svc.ListOffers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if offers == nil {
		offers = []model.OfferView{}
	}
	writeJSON(w, http.StatusOK, offers)
}

func (h *handler) respondToOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req marketplace.RespondToOfferRequest
	if !decode(w, r, &req) {
		return
	}
	offer, err := h.svc.RespondToOffer(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Offer executed", "id": offer.ID, "status": offer.Status})
}

func (h *handler) listingActivity(w http.ResponseWriter, r *http.Request) {
	if h.opts.Activity == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "activity projections are disabled")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	activity, err := h.opts.Activity.ListingActivity(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if activity == nil {
		writeJSONError(w, http.StatusNotFound, "no activity recorded for listing "+strconv.FormatInt(id, 10))
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

func (h *handler) recentActivity(w http.ResponseWriter, r *http.Request) {
	if h.opts.Activity == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "activity projections are disabled")
		return
	}
	limit := int64(defaultRecentLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 || n > maxRecentLimit {
			writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxRecentLimit))
			return
		}
		limit = n
	}
	ids, err := h.opts.Activity.RecentlyActive(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int64{"listing_ids": ids})
}

type created struct {
	Message string `json:"message"`
	ID      int64  `json:"id"`
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "not found")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
