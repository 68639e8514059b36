package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ClientTestSuite struct {
	suite.Suite
	server *httptest.Server
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (s *ClientTestSuite) TearDownTest() {
	if s.server != nil {
		s.server.Close()
		s.server = nil
	}
}

func (s *ClientTestSuite) serve(h http.HandlerFunc) *HTTPEvaluator {
	s.server = httptest.NewServer(h)
	return NewHTTPEvaluator(s.server.URL+"/", 5*time.Second)
}

func (s *ClientTestSuite) TestEvaluate() {
	cases := []struct {
		name       string
		status     int
		body       string
		wantResult string
		wantStatus int
	}{
		{name: "success", status: http.StatusOK, body: `{"score":8,"feedback":"good"}`, wantResult: `{"score":8,"feedback":"good"}`},
		{name: "empty body", status: http.StatusOK, body: "", wantResult: `{}`},
		{name: "not found", status: http.StatusNotFound, body: "no such event", wantStatus: http.StatusNotFound},
		{name: "server error", status: http.StatusInternalServerError, body: "boom", wantStatus: http.StatusInternalServerError},
		{name: "invalid json", status: http.StatusOK, body: "<html>", wantStatus: -1},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			var gotReq triggerRequest
			ev := s.serve(func(w http.ResponseWriter, r *http.Request) {
				s.Equal(http.MethodPost, r.Method)
				s.Equal("/trigger-task", r.URL.Path)
				s.Equal("application/json", r.Header.Get("Content-Type"))
				body, _ := io.ReadAll(r.Body)
				s.NoError(json.Unmarshal(body, &gotReq))

				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			defer s.TearDownTest()

			res, err := ev.Evaluate(context.Background(), "ev-42")
			s.Equal("ev-42", gotReq.EventID)

			switch {
			case tc.wantStatus > 0:
				s.ErrorIs(err, ErrExternalService)
				s.True(IsStatus(err, tc.wantStatus))
				s.Contains(err.Error(), tc.body)
			case tc.wantStatus < 0:
				s.ErrorIs(err, ErrExternalService)
			default:
				s.Require().NoError(err)
				s.JSONEq(tc.wantResult, string(res))
			}
		})
	}
}

func (s *ClientTestSuite) TestEvaluate_Unreachable() {
	ev := s.serve(func(http.ResponseWriter, *http.Request) {})
	s.server.Close()
	s.server = nil

	_, err := ev.Evaluate(context.Background(), "ev-1")
	s.ErrorIs(err, ErrExternalService)

	var sce *StatusCodeError
	s.False(errors.As(err, &sce))
}

func (s *ClientTestSuite) TestEvaluate_ContextDeadline() {
	release := make(chan struct{})
	ev := s.serve(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ev.Evaluate(ctx, "ev-1")
	s.ErrorIs(err, ErrExternalService)
	s.ErrorIs(err, context.DeadlineExceeded)
}
