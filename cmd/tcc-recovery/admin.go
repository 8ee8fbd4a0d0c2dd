/*
Copyright 2025 The Dapr Authors
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dapr/tcc-coordinator/internal/httputils"
	"github.com/dapr/tcc-coordinator/transaction"
	"github.com/dapr/tcc-coordinator/transaction/tcc"
)

type listResponse struct {
	Cutoff       time.Time                  `json:"cutoff"`
	Count        int                        `json:"count"`
	Transactions []*transaction.Transaction `json:"transactions"`
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", a.handleListTransactions)
		r.Get("/{xid}", a.handleGetTransaction)
	})

	r.Route("/recovery", func(r chi.Router) {
		r.Post("/sweep", a.handleSweep)
		r.Get("/attention", a.handleAttention)
	})

	return r
}

// handleListTransactions lists records not modified for olderThan, which
// defaults to the recovery grace period.
func (a *app) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	olderThan := a.recovery.Config().GracePeriod
	if v := r.URL.Query().Get("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			httputils.RespondWithError(w, http.StatusBadRequest, "invalid olderThan: "+v)
			return
		}
		olderThan = d
	}

	cutoff := time.Now().Add(-olderThan)
	txs, err := a.repo.FindAllUnmodifiedSince(r.Context(), cutoff)
	if err != nil {
		a.log.Errorf("Failed to list transactions: %v", err)
		httputils.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if txs == nil {
		txs = []*transaction.Transaction{}
	}
	httputils.RespondWithJSON(w, http.StatusOK, listResponse{
		Cutoff:       cutoff,
		Count:        len(txs),
		Transactions: txs,
	})
}

func (a *app) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	xid := transaction.Xid(chi.URLParam(r, "xid"))
	tx, err := a.repo.FindOne(r.Context(), xid)
	if err != nil {
		a.log.Errorf("Failed to load transaction %s: %v", xid, err)
		httputils.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tx == nil {
		httputils.RespondWithError(w, http.StatusNotFound, "transaction not found: "+string(xid))
		return
	}
	httputils.RespondWithJSON(w, http.StatusOK, tx)
}

func (a *app) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := a.recovery.Sweep(r.Context())
	if err != nil {
		a.log.Errorf("Sweep requested through the admin API failed: %v", err)
		httputils.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.NotLeader {
		httputils.RespondWithJSON(w, http.StatusConflict, res)
		return
	}
	httputils.RespondWithJSON(w, http.StatusOK, res)
}

// handleAttention lists the records the last sweep could not complete.
func (a *app) handleAttention(w http.ResponseWriter, _ *http.Request) {
	list := a.recovery.Attention()
	if list == nil {
		list = []tcc.Attention{}
	}
	httputils.RespondWithJSON(w, http.StatusOK, list)
}
