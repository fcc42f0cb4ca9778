// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/cart"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/catalog"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/repository"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/validator"
)

const (
	cookieMaxAge    = 60 * 60 * 48
	cookiePrefix    = "shop_"
	cookieSessionID = cookiePrefix + "session-id"
	cookieAdmin     = repository.AdminAuthenticatedKey

	maxBodyBytes = 1 << 20
)

var (
	errAdminDisabled    = errors.New("admin access is not configured")
	errNotAuthenticated = errors.New("admin login required")
	errBadCredentials   = errors.New("invalid username or password")
)

type storefrontServer struct {
	catalog *catalog.Store
	carts   *cart.Registry
	slot    repository.Slot
	log     logrus.FieldLogger

	adminUser     string
	adminPassword string
}

func newStorefrontServer(c *catalog.Store, carts *cart.Registry, slot repository.Slot, log logrus.FieldLogger) *storefrontServer {
	return &storefrontServer{catalog: c, carts: carts, slot: slot, log: log}
}

func (s *storefrontServer) routes(limiter *Limiter, metrics *ServerMetrics) http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/cart", s.viewCartHandler).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/cart", s.clearCartHandler).Methods(http.MethodDelete)
	api.HandleFunc("/cart/items", s.addToCartHandler).Methods(http.MethodPost)
	api.HandleFunc("/cart/items/{id:[0-9]+}", s.removeFromCartHandler).Methods(http.MethodDelete)
	api.HandleFunc("/cart/notification", s.notificationHandler).Methods(http.MethodGet)
	api.HandleFunc("/cart/notification", s.dismissNotificationHandler).Methods(http.MethodDelete)

	api.HandleFunc("/products", s.productsHandler).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/products/{id:[0-9]+}", s.productHandler).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/categories", s.categoriesHandler).Methods(http.MethodGet, http.MethodHead)

	api.HandleFunc("/admin/login", s.adminLoginHandler).Methods(http.MethodPost)
	api.HandleFunc("/admin/logout", s.adminLogoutHandler).Methods(http.MethodPost)
	admin := api.PathPrefix("/admin/products").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("", s.adminListProductsHandler).Methods(http.MethodGet)
	admin.HandleFunc("", s.adminAddProductHandler).Methods(http.MethodPost)
	admin.HandleFunc("/{id:[0-9]+}", s.adminDeleteProductHandler).Methods(http.MethodDelete)

	r.HandleFunc("/_healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
		r.Use(metrics.Middleware)
	}

	var handler http.Handler = r
	handler = &logHandler{log: s.log, next: handler}
	handler = ensureSessionID(handler)
	if limiter != nil {
		handler = limiter.GlobalAndIPLimiter(handler)
	}
	return handler
}

func (s *storefrontServer) cartFor(r *http.Request) *cart.Store {
	return s.carts.Get(r.Context(), sessionID(r))
}

func (s *storefrontServer) viewCartHandler(w http.ResponseWriter, r *http.Request) {
	renderJSON(requestLogger(r), w, http.StatusOK, s.cartFor(r).State())
}

func (s *storefrontServer) addToCartHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)

	var payload validator.AddToCartPayload
	if err := decodeBody(w, r, &payload); err != nil {
		renderHTTPError(log, w, errors.Wrap(err, "failed to parse request"), http.StatusBadRequest)
		return
	}
	if err := payload.Validate(); err != nil {
		renderHTTPError(log, w, validator.ValidationErrorResponse(err), http.StatusUnprocessableEntity)
		return
	}

	p, ok := s.catalog.GetProductByID(r.Context(), payload.ProductID)
	if !ok {
		renderHTTPError(log, w, errors.Errorf("product %d not found", payload.ProductID), http.StatusNotFound)
		return
	}
	if !p.InStock {
		renderHTTPError(log, w, errors.Errorf("%s is out of stock", p.Name), http.StatusConflict)
		return
	}

	log.WithField("product", p.ID).Debug("adding to cart")
	renderJSON(log, w, http.StatusOK, s.cartFor(r).AddToCart(r.Context(), p))
}

func (s *storefrontServer) removeFromCartHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	id, err := pathID(r)
	if err != nil {
		renderHTTPError(log, w, err, http.StatusBadRequest)
		return
	}
	renderJSON(log, w, http.StatusOK, s.cartFor(r).RemoveFromCart(r.Context(), id))
}

func (s *storefrontServer) clearCartHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	log.Debug("emptying cart")
	renderJSON(log, w, http.StatusOK, s.cartFor(r).ClearCart(r.Context()))
}

func (s *storefrontServer) notificationHandler(w http.ResponseWriter, r *http.Request) {
	n, ok := s.cartFor(r).Notification()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	renderJSON(requestLogger(r), w, http.StatusOK, n)
}

func (s *storefrontServer) dismissNotificationHandler(w http.ResponseWriter, r *http.Request) {
	s.cartFor(r).DismissNotification()
	w.WriteHeader(http.StatusNoContent)
}

func (s *storefrontServer) productsHandler(w http.ResponseWriter, r *http.Request) {
	var products []model.Product
	if category := r.URL.Query().Get("category"); category != "" {
		products = s.catalog.GetProductsByCategory(r.Context(), category)
	} else {
		products = s.catalog.GetAllProducts(r.Context())
	}
	renderJSON(requestLogger(r), w, http.StatusOK, products)
}

func (s *storefrontServer) productHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	id, err := pathID(r)
	if err != nil {
		renderHTTPError(log, w, err, http.StatusBadRequest)
		return
	}
	p, ok := s.catalog.GetProductByID(r.Context(), id)
	if !ok {
		renderHTTPError(log, w, errors.Errorf("product %d not found", id), http.StatusNotFound)
		return
	}
	renderJSON(log, w, http.StatusOK, p)
}

func (s *storefrontServer) categoriesHandler(w http.ResponseWriter, r *http.Request) {
	renderJSON(requestLogger(r), w, http.StatusOK, s.catalog.GetAllCategories(r.Context()))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *storefrontServer) adminLoginHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	if !s.adminEnabled() {
		renderHTTPError(log, w, errAdminDisabled, http.StatusForbidden)
		return
	}

	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		renderHTTPError(log, w, errors.Wrap(err, "failed to parse request"), http.StatusBadRequest)
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.adminUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.adminPassword)) == 1
	if !userOK || !passOK {
		log.Warn("admin login rejected")
		renderHTTPError(log, w, errBadCredentials, http.StatusUnauthorized)
		return
	}

	token := uuid.NewString()
	if err := s.slot.Set(r.Context(), adminTokenKey(token), "true"); err != nil {
		renderHTTPError(log, w, errors.Wrap(err, "failed to record admin session"), http.StatusServiceUnavailable)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieAdmin,
		Value:    token,
		MaxAge:   cookieMaxAge,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	log.Info("admin logged in")
	w.WriteHeader(http.StatusNoContent)
}

func (s *storefrontServer) adminLogoutHandler(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(cookieAdmin); err == nil && c.Value != "" {
		if err := s.slot.Delete(r.Context(), adminTokenKey(c.Value)); err != nil {
			requestLogger(r).WithError(err).Warn("failed to drop admin session")
		}
	}
	http.SetCookie(w, &http.Cookie{Name: cookieAdmin, Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (s *storefrontServer) adminListProductsHandler(w http.ResponseWriter, r *http.Request) {
	renderJSON(requestLogger(r), w, http.StatusOK, catalog.ReadDynamic(r.Context(), s.slot))
}

func (s *storefrontServer) adminAddProductHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)

	var payload validator.ProductPayload
	if err := decodeBody(w, r, &payload.ProductDraft); err != nil {
		renderHTTPError(log, w, errors.Wrap(err, "failed to parse product"), http.StatusBadRequest)
		return
	}
	if err := payload.Validate(); err != nil {
		renderHTTPError(log, w, validator.ValidationErrorResponse(err), http.StatusBadRequest)
		return
	}

	p := s.catalog.AddProduct(r.Context(), payload.ProductDraft)
	renderJSON(log, w, http.StatusCreated, p)
}

func (s *storefrontServer) adminDeleteProductHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	id, err := pathID(r)
	if err != nil {
		renderHTTPError(log, w, err, http.StatusBadRequest)
		return
	}
	renderJSON(log, w, http.StatusOK, s.catalog.DeleteProduct(r.Context(), id))
}

func (s *storefrontServer) adminEnabled() bool {
	return s.adminUser != "" && s.adminPassword != ""
}

func (s *storefrontServer) adminTokenValid(ctx context.Context, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	v, ok, err := s.slot.Get(ctx, adminTokenKey(token))
	if err != nil {
		s.log.WithError(err).Warn("failed to read admin session")
		return false
	}
	return ok && v == "true"
}

func adminTokenKey(token string) string {
	return repository.AdminAuthenticatedKey + ":" + token
}

func renderHTTPError(log logrus.FieldLogger, w http.ResponseWriter, err error, code int) {
	log.WithField("error", err).Error("request error")
	renderJSON(log, w, code, map[string]interface{}{
		"error":       err.Error(),
		"status_code": code,
		"status":      http.StatusText(code),
	})
}

func renderJSON(log logrus.FieldLogger, w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func pathID(r *http.Request) (int, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid id %q", raw)
	}
	return id, nil
}

func requestLogger(r *http.Request) logrus.FieldLogger {
	if log, ok := r.Context().Value(ctxKeyLog{}).(logrus.FieldLogger); ok {
		return log
	}
	return logrus.StandardLogger()
}

func sessionID(r *http.Request) string {
	v := r.Context().Value(ctxKeySessionID{})
	if v != nil {
		return v.(string)
	}
	return ""
}
