package http

import (
	"net/http"
	"strconv"

	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/jobs"
	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

// bind decodes the request body, answering 400 on malformed JSON.
func (s *Server) bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid request body", zap.String("path", c.Path()), zap.Error(err))
		return badRequest("invalid request body")
	}
	return nil
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(name + " must be a non-negative integer")
	}
	return n, nil
}

// profile resolves a selector against the registry.
func (s *Server) profile(sel ProfileSelector) (embeddings.Profile, error) {
	if sel.Profile != nil {
		if err := sel.Profile.Validate(); err != nil {
			return embeddings.Profile{}, knowledge.Invalid("embedding_profile", err.Error())
		}
		return *sel.Profile, nil
	}
	p, err := s.deps.Knowledge.Registry().Select(sel.Name)
	if err != nil {
		return embeddings.Profile{}, knowledge.Invalid("profile", err.Error())
	}
	return p, nil
}

// Imports

func (s *Server) handleSubmitImport(c echo.Context) error {
	var req jobs.SubmitRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	id, err := s.deps.Runner.Submit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{JobID: id})
}

func (s *Server) handleListImports(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	list, err := s.deps.Jobs.List(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	return c.JSON(http.StatusOK, JobsResponse{Jobs: list})
}

func (s *Server) handleGetImport(c echo.Context) error {
	job, err := s.deps.Jobs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleCancelImport(c echo.Context) error {
	ok, err := s.deps.Jobs.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CancelResponse{Accepted: ok})
}

// Notifications

func (s *Server) handleListNotifications(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	list, err := s.deps.Jobs.Recent(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []jobs.Notification{}
	}
	return c.JSON(http.StatusOK, NotificationsResponse{Notifications: list})
}

func (s *Server) handleClearNotifications(c echo.Context) error {
	if err := s.deps.Jobs.ClearNotifications(c.Request().Context()); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Entries

func (s *Server) handleAddPrivate(c echo.Context) error {
	var req PrivateEntryRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if req.OwnerID == "" {
		return knowledge.Invalid("owner_id", "required")
	}
	if req.Content == "" {
		return knowledge.Invalid("content", "required")
	}
	ok := s.deps.Knowledge.AddPrivateEntry(c.Request().Context(), req.OwnerID, req.Content, req.Type, req.Category, req.Metadata)
	return c.JSON(http.StatusOK, StoredResponse{Stored: ok})
}

func (s *Server) handleAddPublic(c echo.Context) error {
	var req PublicEntryRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if req.Content == "" {
		return knowledge.Invalid("content", "required")
	}
	ok := s.deps.Knowledge.AddPublicEntry(c.Request().Context(), req.Content, req.Source, req.Metadata)
	return c.JSON(http.StatusOK, StoredResponse{Stored: ok})
}

func (s *Server) handleImportRaw(c echo.Context) error {
	var req RawImportRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	p, err := s.profile(req.ProfileSelector)
	if err != nil {
		return err
	}
	res, err := s.deps.Knowledge.ImportRaw(c.Request().Context(), req.Source, req.Items, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleIsDuplicate(c echo.Context) error {
	var req DuplicateRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		return knowledge.Invalid("threshold", "must be between 0 and 1")
	}
	dup := s.deps.Knowledge.IsDuplicate(c.Request().Context(), req.Content, req.Threshold)
	return c.JSON(http.StatusOK, DuplicateResponse{Duplicate: dup})
}

// Embeddings

func (s *Server) handleBackfill(c echo.Context) error {
	var req BackfillRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if req.BatchSize < 0 || req.MaxBatches < 0 {
		return knowledge.Invalid("batch_size", "batch_size and max_batches must not be negative")
	}
	p, err := s.profile(req.ProfileSelector)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	if s.deps.Backfill == nil {
		if req.BatchSize == 0 {
			req.BatchSize = 50
		}
		res, err := s.deps.Knowledge.BackfillPending(ctx, p, req.BatchSize)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, res)
	}

	maxBatches := req.MaxBatches
	if maxBatches == 0 {
		maxBatches = 1
	}
	res, err := s.deps.Backfill.DrainBatches(ctx, p, req.BatchSize, maxBatches)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handlePending(c echo.Context) error {
	sel := ProfileSelector{Name: c.QueryParam("profile")}
	p, err := s.profile(sel)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	name, err := s.deps.Knowledge.Registry().Resolve(p)
	if err != nil {
		return knowledge.Invalid("profile", err.Error())
	}
	n, err := s.deps.Knowledge.PendingCount(ctx, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PendingResponse{Profile: p.Key(), CollectionID: name, Pending: n})
}

// Profiles and collections

func (s *Server) handleListProfiles(c echo.Context) error {
	reg := s.deps.Knowledge.Registry()
	active := reg.ActiveName()
	resp := ProfilesResponse{Active: active, Profiles: []ProfileInfo{}}
	for _, name := range reg.Names() {
		p, _ := reg.Lookup(name)
		coll, _ := reg.Resolve(p)
		resp.Profiles = append(resp.Profiles, ProfileInfo{Name: name, Profile: p, CollectionID: coll, Active: name == active})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSetActiveProfile(c echo.Context) error {
	var req ProfileSelector
	if err := s.bind(c, &req); err != nil {
		return err
	}
	reg := s.deps.Knowledge.Registry()
	switch {
	case req.Profile != nil:
		if err := reg.SetActive(*req.Profile); err != nil {
			return knowledge.Invalid("embedding_profile", err.Error())
		}
	case req.Name != "":
		if err := reg.SetActiveName(req.Name); err != nil {
			return knowledge.Invalid("profile", err.Error())
		}
	default:
		return knowledge.Invalid("profile", "profile or embedding_profile is required")
	}
	s.logger.Info(c.Request().Context(), "active profile changed", zap.String("profile", reg.ActiveName()))
	return s.handleListProfiles(c)
}

func (s *Server) handleListCollections(c echo.Context) error {
	list, err := s.deps.Knowledge.Collections(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CollectionsResponse{Collections: list})
}

func (s *Server) handleResetCollection(c echo.Context) error {
	var req ResetRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if !req.Confirm {
		return knowledge.Invalid("confirm", "must be true to drop a collection")
	}
	p, err := s.profile(req.ProfileSelector)
	if err != nil {
		return err
	}
	name, _ := s.deps.Knowledge.Registry().Resolve(p)
	ok := s.deps.Knowledge.Reset(c.Request().Context(), p)
	return c.JSON(http.StatusOK, ResetResponse{CollectionID: name, Reset: ok})
}

// Search

func (s *Server) query(req SearchRequest) (retrieval.Query, error) {
	q := retrieval.Query{
		Text:           req.Query,
		RequesterID:    req.RequesterID,
		Category:       req.Category,
		Limit:          req.Limit,
		ScoreThreshold: req.ScoreThreshold,
	}
	if req.Limit < 0 {
		return q, knowledge.Invalid("limit", "must not be negative")
	}
	if req.Name != "" || req.Profile != nil {
		p, err := s.profile(req.ProfileSelector)
		if err != nil {
			return q, err
		}
		q.Profile = p
	}
	return q, nil
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	q, err := s.query(req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SearchResponse{Hits: s.deps.Engine.Search(c.Request().Context(), q)})
}

func (s *Server) handleCandidates(c echo.Context) error {
	var req CandidatesRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	q, err := s.query(req.SearchRequest)
	if err != nil {
		return err
	}
	hits := s.deps.Engine.RetrieveForCandidates(c.Request().Context(), q, req.Candidates)
	return c.JSON(http.StatusOK, CandidatesResponse{Hits: hits})
}
