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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/cart"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/catalog"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/repository"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/validator"
)

type testClient struct {
	t       *testing.T
	h       http.Handler
	cookies map[string]*http.Cookie
}

func newTestServer(t *testing.T) (*storefrontServer, repository.Slot) {
	t.Helper()
	quiet := logrus.New()
	quiet.SetLevel(logrus.PanicLevel)

	slot := repository.NewMemorySlot()
	builtin, err := catalog.LoadBuiltin()
	require.NoError(t, err)
	srv := newStorefrontServer(catalog.New(builtin, slot), cart.NewRegistry(slot, 0), slot, quiet)
	srv.adminUser = "admin"
	srv.adminPassword = "secret"
	return srv, slot
}

func newClient(t *testing.T, h http.Handler) *testClient {
	return &testClient{t: t, h: h, cookies: make(map[string]*http.Cookie)}
}

func (c *testClient) do(method, path, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.MaxAge < 0 {
			delete(c.cookies, ck.Name)
			continue
		}
		c.cookies[ck.Name] = ck
	}
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCartFlow(t *testing.T) {
	srv, slot := newTestServer(t)
	c := newClient(t, srv.routes(nil, nil))

	rec := c.do(http.MethodGet, "/api/cart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.EmptyCart(), decode[model.CartState](t, rec))
	require.Contains(t, c.cookies, cookieSessionID)

	c.do(http.MethodPost, "/api/cart/items", `{"productId":1}`)
	rec = c.do(http.MethodPost, "/api/cart/items", `{"productId":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[model.CartState](t, rec)
	require.Len(t, state.Items, 1)
	assert.Equal(t, 2, state.Items[0].Quantity)
	assert.Equal(t, 2, state.TotalItems)
	assert.InDelta(t, 299.98, state.TotalPrice, 1e-9)

	raw, ok, err := slot.Get(context.Background(), repository.CartKeyFor(c.cookies[cookieSessionID].Value))
	require.NoError(t, err)
	require.True(t, ok)
	persisted, err := cart.DecodeSnapshot(raw)
	require.NoError(t, err)
	assert.Equal(t, state, persisted)

	rec = c.do(http.MethodGet, "/api/cart/notification", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Pulse Fit 2 added to cart", decode[model.Notification](t, rec).Message)

	assert.Equal(t, http.StatusNoContent, c.do(http.MethodDelete, "/api/cart/notification", "").Code)
	assert.Equal(t, http.StatusNoContent, c.do(http.MethodGet, "/api/cart/notification", "").Code)

	c.do(http.MethodPost, "/api/cart/items", `{"productId":7}`)
	rec = c.do(http.MethodDelete, "/api/cart/items/1", "")
	state = decode[model.CartState](t, rec)
	assert.Equal(t, 2, state.TotalItems)
	assert.Equal(t, []int{1, 7}, []int{state.Items[0].ID, state.Items[1].ID})

	rec = c.do(http.MethodDelete, "/api/cart/items/999", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[model.CartState](t, rec).TotalItems)

	rec = c.do(http.MethodDelete, "/api/cart", "")
	assert.Equal(t, model.EmptyCart(), decode[model.CartState](t, rec))
}

func TestAddToCartRejects(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newClient(t, srv.routes(nil, nil))

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed body", `{"productId":`, http.StatusBadRequest},
		{"missing id", `{}`, http.StatusUnprocessableEntity},
		{"negative id", `{"productId":-4}`, http.StatusUnprocessableEntity},
		{"unknown product", `{"productId":999}`, http.StatusNotFound},
		{"out of stock", `{"productId":10}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := c.do(http.MethodPost, "/api/cart/items", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, 0, decode[model.CartState](t, c.do(http.MethodGet, "/api/cart", "")).TotalItems)
}

func TestSessionsHaveSeparateCarts(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.routes(nil, nil)
	alice, bob := newClient(t, h), newClient(t, h)

	alice.do(http.MethodPost, "/api/cart/items", `{"productId":2}`)
	bob.do(http.MethodGet, "/api/cart", "")

	assert.Equal(t, 1, decode[model.CartState](t, alice.do(http.MethodGet, "/api/cart", "")).TotalItems)
	assert.Equal(t, 0, decode[model.CartState](t, bob.do(http.MethodGet, "/api/cart", "")).TotalItems)
	assert.Equal(t, 2, srv.carts.Len())
}

func TestProductRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newClient(t, srv.routes(nil, nil))

	assert.Len(t, decode[[]model.Product](t, c.do(http.MethodGet, "/api/products", "")), 37)

	laptops := decode[[]model.Product](t, c.do(http.MethodGet, "/api/products?category=laptops", ""))
	assert.Len(t, laptops, 6)

	rec := c.do(http.MethodGet, "/api/products?category=none", "")
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = c.do(http.MethodGet, "/api/products/5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, decode[model.Product](t, rec).ID)

	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/api/products/999", "").Code)
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/api/products/abc", "").Code)

	assert.Equal(t,
		[]string{"smart-watches", "smart-mobiles", "laptops", "grocery", "watches", "computers"},
		decode[[]string](t, c.do(http.MethodGet, "/api/categories", "")))
}

func TestAdminRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newClient(t, srv.routes(nil, nil))

	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/admin/products", "").Code)
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodPost, "/api/admin/login", `{"username":"admin","password":"nope"}`).Code)
	assert.NotContains(t, c.cookies, cookieAdmin)

	require.Equal(t, http.StatusNoContent, c.do(http.MethodPost, "/api/admin/login", `{"username":"admin","password":"secret"}`).Code)
	require.Contains(t, c.cookies, cookieAdmin)

	assert.Equal(t, "[]\n", c.do(http.MethodGet, "/api/admin/products", "").Body.String())

	rec := c.do(http.MethodPost, "/api/admin/products", `{"name":"Lamp","price":0,"image":"l.png","description":"d","category":"home"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, validator.MsgPrice, decode[map[string]interface{}](t, rec)["error"])

	for _, body := range []string{
		`{"name":"Lamp","image":"l.png","description":"d","category":"home"}`,
		`{"name":"Lamp","price":null,"image":"l.png","description":"d","category":"home"}`,
	} {
		rec = c.do(http.MethodPost, "/api/admin/products", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, validator.MsgRequired, decode[map[string]interface{}](t, rec)["error"])
	}

	rec = c.do(http.MethodPost, "/api/admin/products", `{"name":"Lamp","price":12.5,"image":"l.png","description":"d","category":"home","rating":7}`)
	assert.Equal(t, validator.MsgRating, decode[map[string]interface{}](t, rec)["error"])

	rec = c.do(http.MethodPost, "/api/admin/products", `{"name":"Lamp","price":12.5,"image":"l.png","description":"d","category":"home"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	p := decode[model.Product](t, rec)
	assert.Equal(t, 38, p.ID)
	assert.True(t, p.InStock)
	assert.Equal(t, 4.0, p.Rating)

	assert.Len(t, decode[[]model.Product](t, c.do(http.MethodGet, "/api/admin/products", "")), 1)
	assert.Contains(t, decode[[]string](t, c.do(http.MethodGet, "/api/categories", "")), "home")

	rec = c.do(http.MethodDelete, "/api/admin/products/1", "")
	assert.Len(t, decode[[]model.Product](t, rec), 1, "built-in products cannot be deleted")

	rec = c.do(http.MethodDelete, "/api/admin/products/38", "")
	assert.Empty(t, decode[[]model.Product](t, rec))
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/api/products/38", "").Code)

	assert.Equal(t, http.StatusNoContent, c.do(http.MethodPost, "/api/admin/logout", "").Code)
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/admin/products", "").Code)
}

func TestAdminForgedCookieRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newClient(t, srv.routes(nil, nil))
	c.cookies[cookieAdmin] = &http.Cookie{Name: cookieAdmin, Value: "true"}
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/admin/products", "").Code)
}

func TestAdminDisabledWithoutCredentials(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.adminPassword = ""
	c := newClient(t, srv.routes(nil, nil))

	assert.Equal(t, http.StatusForbidden, c.do(http.MethodPost, "/api/admin/login", `{"username":"admin","password":""}`).Code)
	assert.Equal(t, http.StatusForbidden, c.do(http.MethodGet, "/api/admin/products", "").Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newClient(t, srv.routes(nil, NewServerMetrics("test")))

	rec := c.do(http.MethodGet, "/_healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	c.do(http.MethodGet, "/api/products/3", "")
	rec = c.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `storefront_test_http_requests_total{handler="/api/products/{id:[0-9]+}",status="200"} 1`)
}

func TestRateLimiter(t *testing.T) {
	t.Setenv("RATELIMIT_IP_BURST", "2")
	t.Setenv("RATELIMIT_IP_RPS", "0.001")

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	srv, _ := newTestServer(t)
	c := newClient(t, srv.routes(NewLimiter(rdb, srv.log), nil))

	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/_healthz", "").Code)
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/_healthz", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, c.do(http.MethodGet, "/_healthz", "").Code)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	srv, _ := newTestServer(t)
	c := newClient(t, srv.routes(NewLimiter(rdb, srv.log), nil))
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/_healthz", "").Code)
}

func TestGetRealIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", getRealIP(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", getRealIP(r))

	r.Header.Set("X-Forwarded-For", "10.0.0.3, 10.0.0.4")
	assert.Equal(t, "10.0.0.3", getRealIP(r))
}
