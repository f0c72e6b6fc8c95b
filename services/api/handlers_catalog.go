package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"bootvault/services/catalog"
)

func (a *API) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	profiles, err := a.store.Profiles.List(ctx)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	out := make([]profileSummary, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, profileSummary{Name: p.Name, CreatedAt: p.CreatedAt, ModifiedAt: p.ModifiedAt})
	}
	respondJSON(w, http.StatusOK, profileListResponse{Profiles: out})
}

func (a *API) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	profile, err := a.store.Profiles.Get(ctx, chi.URLParam(r, "name"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

func (a *API) handleUpsertProfile(w http.ResponseWriter, r *http.Request) {
	var req upsertProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		a.respondErr(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	profile, err := a.store.Profiles.Upsert(ctx, chi.URLParam(r, "name"), *req.ScriptBody)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

func (a *API) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.store.Profiles.Delete(ctx, chi.URLParam(r, "name")); err != nil {
		a.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	accounts, err := a.store.Accounts.List(ctx)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, accountListResponse{Accounts: accounts})
}

func (a *API) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	account, err := a.store.Accounts.Get(ctx, chi.URLParam(r, "principal"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		a.respondErr(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	account, err := a.store.Accounts.Create(ctx, catalog.NewAccount{
		Principal:       req.Principal,
		Secret:          req.Secret,
		AssignedProfile: req.AssignedProfile,
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, account)
}

func (a *API) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		a.respondErr(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	account, err := a.store.Accounts.Update(ctx, chi.URLParam(r, "principal"), catalog.AccountUpdate{
		Secret:          req.Secret,
		AssignedProfile: req.AssignedProfile,
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.store.Accounts.Delete(ctx, chi.URLParam(r, "principal")); err != nil {
		a.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
