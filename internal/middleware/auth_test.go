package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/swiftcab/swiftcab-backend/internal/models"
	"github.com/swiftcab/swiftcab-backend/pkg/utils"
	"gorm.io/gorm"
)

func authRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", AuthMiddleware(), func(c *gin.Context) {
		c.JSON(200, gin.H{
			"userId":   c.GetUint("userId"),
			"userType": c.GetString("userType"),
		})
	})
	return r
}

func TestIdentityFromClaims(t *testing.T) {
	cases := []struct {
		name   string
		claims jwt.MapClaims
		ok     bool
	}{
		{"valid", jwt.MapClaims{"id": float64(7), "userType": "driver"}, true},
		{"missing id", jwt.MapClaims{"userType": "driver"}, false},
		{"id wrong type", jwt.MapClaims{"id": "7", "userType": "driver"}, false},
		{"zero id", jwt.MapClaims{"id": float64(0), "userType": "driver"}, false},
		{"missing user type", jwt.MapClaims{"id": float64(7)}, false},
		{"empty user type", jwt.MapClaims{"id": float64(7), "userType": ""}, false},
	}
	for _, tc := range cases {
		who, ok := identityFromClaims(tc.claims)
		if ok != tc.ok {
			t.Errorf("%s: expected ok=%v, got %v", tc.name, tc.ok, ok)
		}
		if tc.ok && (who.UserID != 7 || who.UserType != "driver") {
			t.Errorf("%s: unexpected identity %+v", tc.name, who)
		}
	}
}

func TestAuthMiddlewareAcceptsHeaderAndQueryToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	r := authRouter()

	user := models.User{Model: gorm.Model{ID: 7}, Email: "d@test.local", UserType: string(models.UserTypeDriver)}
	token, err := utils.GenerateToken(&user)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("header token should pass, got %d: %s", w.Code, w.Body.String())
	}

	// WebSocket upgrades carry the token as a query parameter instead
	req = httptest.NewRequest(http.MethodGet, "/protected?token="+token, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("query token should pass, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAuthMiddlewareRejectsBadTokens(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	r := authRouter()

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 401 {
		t.Fatalf("missing token should be rejected, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 401 {
		t.Fatalf("garbage token should be rejected, got %d", w.Code)
	}

	// Well-signed token with malformed claims must fail auth, not panic
	bad := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"id": "seven", "userType": "driver"})
	signed, err := bad.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 401 {
		t.Fatalf("malformed claims should be rejected, got %d", w.Code)
	}
}
