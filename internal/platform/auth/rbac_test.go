package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		actor   *Actor
		allowed []string
		want    int
	}{
		{"doctor admitted", &Actor{ID: "d1", Roles: []string{RoleDoctor}}, []string{RoleDoctor}, 0},
		{"admin admitted everywhere", &Actor{ID: "a1", Roles: []string{RoleAdmin}}, []string{RoleDoctor}, 0},
		{"any listed role is enough", &Actor{ID: "n1", Roles: []string{"nurse"}}, []string{RoleDoctor, "nurse"}, 0},
		{"other role refused", &Actor{ID: "b1", Roles: []string{"billing"}}, []string{RoleDoctor}, http.StatusForbidden},
		{"anonymous refused", nil, []string{RoleDoctor}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
			if tt.actor != nil {
				req = req.WithContext(WithActor(req.Context(), *tt.actor))
			}
			c := echo.New().NewContext(req, httptest.NewRecorder())

			reached := false
			err := RequireRole(tt.allowed...)(func(echo.Context) error {
				reached = true
				return nil
			})(c)

			if tt.want == 0 {
				if err != nil || !reached {
					t.Fatalf("expected handler to run, err=%v", err)
				}
				return
			}
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != tt.want {
				t.Fatalf("expected %d, got %v", tt.want, err)
			}
			if reached {
				t.Error("handler must not run")
			}
		})
	}
}

func TestRequireRole_DeniedMessageNamesRoles(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithActor(req.Context(), Actor{ID: "b1", Roles: []string{"billing"}}))
	c := echo.New().NewContext(req, httptest.NewRecorder())

	err := RequireRole(RoleDoctor, "nurse")(func(echo.Context) error { return nil })(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Message != "requires role doctor or nurse" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestActorFromContext(t *testing.T) {
	if _, ok := ActorFromContext(context.Background()); ok {
		t.Error("expected no actor in empty context")
	}
	if _, ok := ActorFromContext(WithActor(context.Background(), Actor{})); ok {
		t.Error("expected actor with empty ID to be rejected")
	}
	ctx := WithActor(context.Background(), Actor{ID: "d1", Roles: []string{RoleDoctor}})
	if UserIDFromContext(ctx) != "d1" {
		t.Errorf("expected d1, got %s", UserIDFromContext(ctx))
	}
	if len(RolesFromContext(ctx)) != 1 {
		t.Errorf("expected one role, got %v", RolesFromContext(ctx))
	}
}
