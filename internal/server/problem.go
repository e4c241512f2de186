package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

const problemBase = "https://netmedic.dev/problems/"

// Problem types served by the server itself. API packages use their own.
const (
	ProblemTypeBadRequest  = problemBase + "bad-request"
	ProblemTypeNotFound    = problemBase + "not-found"
	ProblemTypeInternal    = problemBase + "internal-error"
	ProblemTypeRateLimited = problemBase + "rate-limited"
)

// Problem is an RFC 7807 body with the request ID as an extension member.
type Problem struct {
	Type      string `json:"type" example:"https://netmedic.dev/problems/not-found"`
	Title     string `json:"title" example:"Not Found"`
	Status    int    `json:"status" example:"404"`
	Detail    string `json:"detail,omitempty" example:"no route for /api/v1/unknown"`
	Instance  string `json:"instance,omitempty" example:"/api/v1/unknown"`
	RequestID string `json:"request_id,omitempty" example:"6f1c0f5e-8f0b-4d8e-9a57-0d0f3c1a2b3c"`
}

// WriteProblem writes p as application/problem+json. Instance and RequestID
// are filled from r when empty.
func WriteProblem(w http.ResponseWriter, r *http.Request, p Problem) {
	if r != nil {
		if p.Instance == "" {
			p.Instance = r.URL.Path
		}
		if p.RequestID == "" {
			p.RequestID = RequestID(r.Context())
		}
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, Problem{
		Type:   ProblemTypeBadRequest,
		Title:  "Bad Request",
		Status: http.StatusBadRequest,
		Detail: detail,
	})
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, Problem{
		Type:   ProblemTypeNotFound,
		Title:  "Not Found",
		Status: http.StatusNotFound,
		Detail: detail,
	})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, Problem{
		Type:   ProblemTypeInternal,
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Detail: detail,
	})
}

// RateLimited writes a 429 problem response with a Retry-After hint in
// whole seconds.
func RateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	secs := max(int(math.Ceil(retryAfter.Seconds())), 1)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	WriteProblem(w, r, Problem{
		Type:   ProblemTypeRateLimited,
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
		Detail: "rate limit exceeded, retry in " + strconv.Itoa(secs) + "s",
	})
}
