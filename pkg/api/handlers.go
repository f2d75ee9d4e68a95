package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/warehouse/pkg/session"
	"github.com/ethpandaops/warehouse/pkg/site"
	"github.com/ethpandaops/warehouse/pkg/store"
	"github.com/ethpandaops/warehouse/pkg/subscription"
	"github.com/ethpandaops/warehouse/pkg/transmission"
)

// torrentFields are requested for the queue listing.
var torrentFields = []string{
	transmission.FieldAddedDate,
	transmission.FieldName,
	transmission.FieldPeers,
	transmission.FieldRateDownload,
	transmission.FieldRateUpload,
	transmission.FieldStatus,
	transmission.FieldTotalSize,
}

// --- Request and response payloads ---

type loginRequest struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type validateSessionResponse struct {
	Valid bool `json:"valid"`
}

type siteResponse struct {
	Name       string          `json:"name"`
	Categories []site.Category `json:"categories"`
}

type getSitesResponse struct {
	Sites []siteResponse `json:"sites"`
}

type browseRequest struct {
	Site *string `json:"site"`
	Page *int    `json:"page"`
}

type searchRequest struct {
	Site       *string `json:"site"`
	Query      *string `json:"query"`
	Categories []int   `json:"categories"`
	Page       *int    `json:"page"`
}

type browseResponse struct {
	Torrents []site.Release `json:"torrents"`
	Pages    int            `json:"pages"`
}

type downloadRequest struct {
	Site *string `json:"site"`
	ID   *int64  `json:"id"`
}

type torrentState struct {
	Name          string `json:"name"`
	DownloadSpeed int64  `json:"downloadSpeed"`
	UploadSpeed   int64  `json:"uploadSpeed"`
	Peers         int64  `json:"peers"`
	Size          int64  `json:"size"`
	State         int    `json:"state"`
	Added         string `json:"added"`
}

type getTorrentsResponse struct {
	Torrents []torrentState `json:"torrents"`
}

type getSubscriptionsRequest struct {
	All    *bool   `json:"all"`
	UserID *string `json:"userId"`
}

type subscriptionResponse struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	Pattern   string  `json:"pattern"`
	Category  *string `json:"category"`
	Matches   int64   `json:"matches"`
	Created   string  `json:"created"`
	LastMatch *string `json:"lastMatch"`
}

type getSubscriptionsResponse struct {
	Subscriptions []subscriptionResponse `json:"subscriptions"`
}

type createSubscriptionRequest struct {
	Pattern  *string `json:"pattern"`
	Category *string `json:"category"`
}

type createSubscriptionResponse struct {
	SubscriptionID string `json:"subscriptionId"`
}

type deleteSubscriptionRequest struct {
	SubscriptionID *string `json:"subscriptionId"`
}

type getProfileResponse struct {
	Name         string `json:"name"`
	IsAdmin      bool   `json:"isAdmin"`
	Created      string `json:"created"`
	Downloads    int64  `json:"downloads"`
	DownloadSize int64  `json:"downloadSize"`
}

type changePasswordRequest struct {
	CurrentPassword *string `json:"currentPassword"`
	NewPassword     *string `json:"newPassword"`
}

// --- Session handlers ---

// handleLogin verifies credentials and issues a session cookie.
func (s *server) handleLogin(
	w http.ResponseWriter, r *http.Request, _ *caller,
) (any, error) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}

	if err := requireString("username", req.Username); err != nil {
		return nil, err
	}

	if err := requireString("password", req.Password); err != nil {
		return nil, err
	}

	user, err := s.deps.Accounts.Authenticate(r.Context(), *req.Username, *req.Password)
	if err != nil {
		return nil, err
	}

	if user == nil {
		s.log.WithField("user", *req.Username).Info("Failed login")

		return successResponse{Success: false}, nil
	}

	address := r.Header.Get(realIPHeader)
	if address == "" {
		return nil, invalidf("Missing %s header.", realIPHeader)
	}

	token, err := s.deps.Sessions.Create(r.Context(), user.ID, address, r.UserAgent())
	if err != nil {
		return nil, err
	}

	http.SetCookie(w, session.Cookie(token))

	s.log.WithField("user", user.Name).
		WithField("address", address).
		Info("User logged in")

	return successResponse{Success: true}, nil
}

// handleLogout deletes the current session.
func (s *server) handleLogout(
	w http.ResponseWriter, r *http.Request, c *caller,
) (any, error) {
	if err := s.deps.Sessions.Delete(r.Context(), c.session.ID); err != nil {
		return nil, err
	}

	http.SetCookie(w, session.ExpiredCookie())

	return nil, nil
}

// handleValidateSession reports whether the request carries a live session.
func (s *server) handleValidateSession(
	_ http.ResponseWriter, r *http.Request, _ *caller,
) (any, error) {
	_, err := s.resolveSession(r)
	if err != nil {
		var authErr *authError
		if !errors.As(err, &authErr) {
			return nil, err
		}

		return validateSessionResponse{Valid: false}, nil
	}

	return validateSessionResponse{Valid: true}, nil
}

// --- Site handlers ---

func (s *server) handleGetSites(
	_ http.ResponseWriter, _ *http.Request, _ *caller,
) (any, error) {
	sites := s.deps.Sites.All()

	resp := getSitesResponse{Sites: make([]siteResponse, 0, len(sites))}
	for _, st := range sites {
		resp.Sites = append(resp.Sites, siteResponse{
			Name:       st.Name(),
			Categories: st.Categories(),
		})
	}

	return resp, nil
}

func (s *server) handleBrowse(
	_ http.ResponseWriter, r *http.Request, _ *caller,
) (any, error) {
	var req browseRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}

	if err := requireString("site", req.Site); err != nil {
		return nil, err
	}

	if err := requirePage(req.Page); err != nil {
		return nil, err
	}

	st, err := s.deps.Sites.Get(*req.Site)
	if err != nil {
		return nil, err
	}

	res, err := st.Browse(r.Context(), *req.Page)
	if err != nil {
		return nil, err
	}

	return toBrowseResponse(res), nil
}

func (s *server) handleSearch(
	_ http.ResponseWriter, r *http.Request, _ *caller,
) (any, error) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}

	if err := requireString("site", req.Site); err != nil {
		return nil, err
	}

	if err := requireString("query", req.Query); err != nil {
		return nil, err
	}

	if err := requirePage(req.Page); err != nil {
		return nil, err
	}

	st, err := s.deps.Sites.Get(*req.Site)
	if err != nil {
		return nil, err
	}

	res, err := st.Search(r.Context(), *req.Query, req.Categories, *req.Page)
	if err != nil {
		return nil, err
	}

	return toBrowseResponse(res), nil
}

func toBrowseResponse(res *site.Results) browseResponse {
	releases := res.Releases
	if releases == nil {
		releases = []site.Release{}
	}

	return browseResponse{Torrents: releases, Pages: res.Pages}
}

// --- Download handlers ---

func (s *server) handleDownload(
	_ http.ResponseWriter, r *http.Request, c *caller,
) (any, error) {
	var req downloadRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}

	if err := requireString("site", req.Site); err != nil {
		return nil, err
	}

	if err := requireNumber("id", req.ID); err != nil {
		return nil, err
	}

	st, err := s.deps.Sites.Get(*req.Site)
	if err != nil {
		return nil, err
	}

	if err := s.deps.Downloads.Download(r.Context(), c.user, st, *req.ID); err != nil {
		return nil, err
	}

	return nil, nil
}

func (s *server) handleGetTorrents(
	_ http.ResponseWriter, r *http.Request, _ *caller,
) (any, error) {
	torrents, err := s.deps.Torrents.Get(r.Context(), nil, torrentFields)
	if err != nil {
		return nil, err
	}

	resp := getTorrentsResponse{Torrents: make([]torrentState, 0, len(torrents))}
	for _, t := range torrents {
		resp.Torrents = append(resp.Torrents, torrentState{
			Name:          t.Name,
			DownloadSpeed: t.RateDownload,
			UploadSpeed:   t.RateUpload,
			Peers:         t.PeersConnected,
			Size:          t.TotalSize,
			State:         int(t.Status),
			Added:         formatTime(t.Added()),
		})
	}

	return resp, nil
}

// --- Subscription handlers ---

// handleGetSubscriptions lists the caller's subscriptions. Listing all
// subscriptions or those of another user requires an administrator.
func (s *server) handleGetSubscriptions(
	_ http.ResponseWriter, r *http.Request, c *caller,
) (any, error) {
	var req getSubscriptionsRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}

	if err := requireBool("all", req.All); err != nil {
		return nil, err
	}

	if err := limitString("userId", req.UserID); err != nil {
		return nil, err
	}

	var (
		subs []store.Subscription
		err  error
	)

	switch {
	case *req.All:
		if err := requireAdmin(c); err != nil {
			return nil, err
		}

		subs, err = s.deps.Subscriptions.ListAll(r.Context())
	case req.UserID != nil:
		if err := requireAdmin(c); err != nil {
			return nil, err
		}

		userID, perr := parseID("userId", *req.UserID)
		if perr != nil {
			return nil, perr
		}

		subs, err = s.deps.Subscriptions.ListByUser(r.Context(), userID)
	default:
		subs, err = s.deps.Subscriptions.ListByUser(r.Context(), c.user.ID)
	}

	if err != nil {
		return nil, err
	}

	resp := getSubscriptionsResponse{
		Subscriptions: make([]subscriptionResponse, 0, len(subs)),
	}

	for _, sub := range subs {
		resp.Subscriptions = append(resp.Subscriptions, toSubscriptionResponse(sub))
	}

	return resp, nil
}

func (s *server) handleCreateSubscription(
	_ http.ResponseWriter, r *http.Request, c *caller,
) (any, error) {
	var req createSubscriptionRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}

	if err := requireString("pattern", req.Pattern); err != nil {
		return nil, err
	}

	if err := limitString("category", req.Category); err != nil {
		return nil, err
	}

	sub, err := s.deps.Subscriptions.Create(r.Context(), c.user.ID, *req.Pattern, req.Category)
	if err != nil {
		return nil, err
	}

	return createSubscriptionResponse{SubscriptionID: formatID(sub.ID)}, nil
}

// handleDeleteSubscription deletes one of the caller's subscriptions.
// Administrators may delete any subscription.
func (s *server) handleDeleteSubscription(
	_ http.ResponseWriter, r *http.Request, c *caller,
) (any, error) {
	var req deleteSubscriptionRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}

	if err := requireString("subscriptionId", req.SubscriptionID); err != nil {
		return nil, err
	}

	id, err := parseID("subscriptionId", *req.SubscriptionID)
	if err != nil {
		return nil, subscription.ErrNotFound
	}

	var owner *uint
	if !c.user.IsAdmin {
		owner = &c.user.ID
	}

	if err := s.deps.Subscriptions.Delete(r.Context(), id, owner); err != nil {
		return nil, err
	}

	return nil, nil
}

// --- Profile handlers ---

func (s *server) handleGetProfile(
	_ http.ResponseWriter, r *http.Request, c *caller,
) (any, error) {
	stats, err := s.deps.Profiles.GetDownloadStats(r.Context(), c.user.ID)
	if err != nil {
		return nil, err
	}

	return getProfileResponse{
		Name:         c.user.Name,
		IsAdmin:      c.user.IsAdmin,
		Created:      formatTime(c.user.CreatedAt),
		Downloads:    stats.Count,
		DownloadSize: stats.Size,
	}, nil
}

func (s *server) handleChangePassword(
	_ http.ResponseWriter, r *http.Request, c *caller,
) (any, error) {
	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}

	if err := requireString("currentPassword", req.CurrentPassword); err != nil {
		return nil, err
	}

	if err := requireString("newPassword", req.NewPassword); err != nil {
		return nil, err
	}

	ok, err := s.deps.Accounts.ChangePassword(
		r.Context(), c.user, *req.CurrentPassword, *req.NewPassword,
	)
	if err != nil {
		return nil, err
	}

	return successResponse{Success: ok}, nil
}

// --- Helpers ---

func toSubscriptionResponse(sub store.Subscription) subscriptionResponse {
	resp := subscriptionResponse{
		ID:       formatID(sub.ID),
		UserID:   formatID(sub.UserID),
		Pattern:  sub.Pattern,
		Category: sub.Category,
		Matches:  sub.Matches,
		Created:  formatTime(sub.CreatedAt),
	}

	if sub.LastMatchAt != nil {
		last := formatTime(*sub.LastMatchAt)
		resp.LastMatch = &last
	}

	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func parseID(name, v string) (uint, error) {
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, invalidf("Argument %q is not a valid identifier.", name)
	}

	return uint(id), nil
}
