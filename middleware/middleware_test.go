package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunneldl/api/internal/session"
	"github.com/tunneldl/api/internal/share"
	"github.com/tunneldl/api/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type tokenMap map[string]string

func (m tokenMap) Validate(token string) (*session.Principal, error) {
	user, ok := m[token]
	if !ok {
		return nil, session.ErrInvalidToken
	}
	return &session.Principal{Username: user, Token: token, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	r := gin.New()
	r.GET("/me", AuthRequired(tokenMap{"good": "admin"}), func(c *gin.Context) {
		c.String(http.StatusOK, GetPrincipal(c).Username)
	})

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{"bearer", "Bearer good", "", http.StatusOK},
		{"lowercase scheme", "bearer good", "", http.StatusOK},
		{"query", "", "good", http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"bad token", "Bearer bad", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", "", http.StatusUnauthorized},
		{"header wins over query", "Bearer bad", "good", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.query != "" {
				req.URL.RawQuery = "token=" + tt.query
			}
			w := serve(r, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "admin", w.Body.String())
			} else {
				assert.Contains(t, w.Body.String(), `"code":"unauthorized"`)
			}
		})
	}
}

func TestGetPrincipal_Unset(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetPrincipal(c))
}

type setupFlag bool

func (f setupFlag) IsSetupComplete() bool { return bool(f) }

func TestSetupPending(t *testing.T) {
	for _, complete := range []bool{false, true} {
		r := gin.New()
		r.POST("/setup", SetupPending(setupFlag(complete)), func(c *gin.Context) { c.Status(http.StatusNoContent) })

		w := serve(r, httptest.NewRequest(http.MethodPost, "/setup", nil))
		if complete {
			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.Contains(t, w.Body.String(), "setup_complete")
		} else {
			assert.Equal(t, http.StatusNoContent, w.Code)
		}
	}
}

type fakeShares struct {
	link  *models.ShareLink
	d     models.Download
	err   error
	token string
	seen  string
}

func (f *fakeShares) Authorize(ctx context.Context, token, access string) (*models.ShareLink, models.Download, error) {
	f.token, f.seen = token, access
	if f.err != nil {
		return nil, models.Download{}, f.err
	}
	return f.link, f.d, nil
}

func TestShareAccess(t *testing.T) {
	shares := &fakeShares{
		link: &models.ShareLink{ID: uuid.New(), Token: "abc"},
		d:    models.Download{ID: uuid.New(), Filename: "a.mp4"},
	}
	r := gin.New()
	r.GET("/s/:token", ShareAccess(shares), func(c *gin.Context) {
		_, d := GetShare(c)
		c.String(http.StatusOK, d.Filename)
	})

	req := httptest.NewRequest(http.MethodGet, "/s/abc", nil)
	req.Header.Set(ShareAccessHeader, "jwt-from-header")
	w := serve(r, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a.mp4", w.Body.String())
	assert.Equal(t, "abc", shares.token)
	assert.Equal(t, "jwt-from-header", shares.seen)

	serve(r, httptest.NewRequest(http.MethodGet, "/s/abc?access=jwt-from-query", nil))
	assert.Equal(t, "jwt-from-query", shares.seen)

	for err, status := range map[error]int{
		share.ErrNotFound:         http.StatusNotFound,
		share.ErrExpired:          http.StatusGone,
		share.ErrPasswordRequired: http.StatusUnauthorized,
		share.ErrInvalidAccess:    http.StatusUnauthorized,
	} {
		shares.err = err
		w := serve(r, httptest.NewRequest(http.MethodGet, "/s/abc", nil))
		assert.Equal(t, status, w.Code, err.Error())
	}
}
