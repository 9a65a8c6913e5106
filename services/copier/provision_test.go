package copier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dbcopier/pkg/copyerr"
)

type clusterMap map[string]string

func (m clusterMap) ClusterID(name string) (string, bool) {
	id, ok := m[name]
	return id, ok
}

func TestCloudProvisionerCreatesDatabase(t *testing.T) {
	var gotPath, gotAuth, gotName string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotName = body.Name
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	p := NewCloudProvisioner(server.URL+"/api/", "tok", clusterMap{"dest_a": "clu_1"}, server.Client(), 0)
	if err := p.CreateDatabase(context.Background(), "dest_a", "tenant_42"); err != nil {
		t.Fatalf("CreateDatabase() error = %v", err)
	}

	if gotPath != "/api/databases/clusters/clu_1/databases" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotName != "tenant_42" {
		t.Fatalf("name = %q", gotName)
	}
}

func TestCloudProvisionerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"name taken"}`))
	}))
	defer server.Close()

	tests := []struct {
		name     string
		base     string
		token    string
		conn     string
		wantKind copyerr.Kind
		wantMsg  string
	}{
		{name: "non-2xx", base: server.URL, token: "tok", conn: "dest_a", wantKind: copyerr.Provisioning, wantMsg: "HTTP 422"},
		{name: "no cluster id", base: server.URL, token: "tok", conn: "dest_b", wantKind: copyerr.Configuration, wantMsg: "dest_b"},
		{name: "no token", base: server.URL, token: "", conn: "dest_a", wantKind: copyerr.Configuration, wantMsg: "incomplete"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewCloudProvisioner(tt.base, tt.token, clusterMap{"dest_a": "clu_1"}, server.Client(), 0)
			err := p.CreateDatabase(context.Background(), tt.conn, "db")
			if !copyerr.IsKind(err, tt.wantKind) {
				t.Fatalf("CreateDatabase() error = %v, want kind %s", err, tt.wantKind)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("CreateDatabase() error = %v, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}
