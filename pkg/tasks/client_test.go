package tasks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListTasksByAssigneeSortsComments(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "relay", r.URL.Query().Get("assignee"))
		assert.Equal(t, "comments", r.URL.Query().Get("include"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tasks": []Task{{
				ID: "t1",
				Comments: []Comment{
					{ID: "c2", Body: "second", CreatedAt: base.Add(time.Minute)},
					{ID: "c1", Body: "first", CreatedAt: base},
				},
			}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	tasks, err := c.ListTasksByAssignee(context.Background(), "relay")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	// Comment order is the classification input; the client must normalize it.
	assert.Equal(t, "first", tasks[0].Comments[0].Body)
	assert.Equal(t, "second", tasks[0].Comments[1].Body)
}

func TestCreateCommentPayload(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks/t1/comments", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	require.NoError(t, c.CreateComment(context.Background(), "t1", "hello", &CommentOptions{AsAgent: "relay"}))
	assert.Equal(t, "hello", got["body"])
	assert.Equal(t, "relay", got["as_agent"])
}

func TestUpdateAssigneeUsesPatch(t *testing.T) {
	var gotMethod string
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	require.NoError(t, c.UpdateAssignee(context.Background(), "t1", "alice"))
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "alice", got["assignee"])
}

func TestErrorStatusIncludesBodySnippet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "task not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.GetTask(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "task not found")
}

func TestGetTaskEscapesID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(Task{ID: "a/b"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.GetTask(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "/tasks/a%2Fb", gotPath)
}
