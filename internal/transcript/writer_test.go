package transcript

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriterPostsTranscript(t *testing.T) {
	var got struct {
		ID         string `json:"id"`
		Transcript string `json:"transcript"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWriter(srv.URL).Write(context.Background(), "corr-9", "user: hi\n")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got.ID != "corr-9" || got.Transcript != "user: hi\n" {
		t.Fatalf("posted = %+v", got)
	}
}

func TestWriterReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewWriter(srv.URL).Write(context.Background(), "x", "y"); err == nil {
		t.Fatal("want error for 500 response")
	}
}
