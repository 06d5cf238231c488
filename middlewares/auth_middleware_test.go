package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/stockflow_backend/utils"
)

func TestAuthMiddleware_BearerTokenRoundTrip(t *testing.T) {
	t.Setenv("TOKEN_HOUR_LIFESPAN", "1")
	gin.SetMode(gin.TestMode)

	token, err := utils.JwtGenerate(42, "planner")
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}

	var gotUserId int
	var gotToken string
	var gotClaim *utils.JwtCustomClaim

	r := gin.New()
	r.Use(AuthMiddleware())
	r.GET("/whoami", func(c *gin.Context) {
		ctx := c.Request.Context()
		gotUserId, _ = utils.GetUserIdFromContext(ctx)
		gotToken, _ = utils.GetTokenFromContext(ctx)
		gotClaim = CtxValue(ctx)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200; got %d", w.Code)
	}
	if gotUserId != 42 {
		t.Fatalf("expected user id 42 in context; got %d", gotUserId)
	}
	if gotToken != token {
		t.Fatalf("expected raw token in context")
	}
	if gotClaim == nil || gotClaim.Role != "planner" {
		t.Fatalf("expected claim with role planner; got %+v", gotClaim)
	}
}

func TestAuthMiddleware_RejectsBadTokens(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(AuthMiddleware())
	r.GET("/whoami", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, header := range []string{"Token abc", "Bearer not-a-token"} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", header)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401; got %d", header, w.Code)
		}
	}
}
