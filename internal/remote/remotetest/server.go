// Package remotetest provides an in-memory fake of the repository hosting API
// for tests.
package remotetest

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
)

// Routes, usable with Calls and the rate limit injectors.
const (
	RouteGetRepo      = "GET /repos/{owner}/{repo}"
	RouteGetRef       = "GET /repos/{owner}/{repo}/git/ref/heads/{branch...}"
	RouteCreateRef    = "POST /repos/{owner}/{repo}/git/refs"
	RouteUpdateRef    = "PATCH /repos/{owner}/{repo}/git/refs/heads/{branch...}"
	RouteGetCommit    = "GET /repos/{owner}/{repo}/git/commits/{sha}"
	RouteCreateCommit = "POST /repos/{owner}/{repo}/git/commits"
	RouteCreateBlob   = "POST /repos/{owner}/{repo}/git/blobs"
	RouteCreateTree   = "POST /repos/{owner}/{repo}/git/trees"
	RouteGetTree      = "GET /repos/{owner}/{repo}/git/trees/{sha}"
	RouteGetContents  = "GET /repos/{owner}/{repo}/contents/{path...}"
	RoutePutContents  = "PUT /repos/{owner}/{repo}/contents/{path...}"
	RouteCreatePull   = "POST /repos/{owner}/{repo}/pulls"
)

// BlobSHA returns the Git blob hash of content.
func BlobSHA(content string) string {
	return plumbing.ComputeHash(plumbing.BlobObject, []byte(content)).String()
}

type commit struct {
	tree    string
	parents []string
	message string
}

type repo struct {
	defaultBranch string
	refs          map[string]string
	commits       map[string]*commit
	trees         map[string]map[string]string
	blobs         map[string][]byte
	pulls         []Pull
}

// Pull is a pull request recorded by the fake.
type Pull struct {
	Number int
	Title  string
	Head   string
	Base   string
	Body   string
}

type limitRule struct {
	token  string
	route  string
	status int
	times  int
}

// Server is an in-memory hosting API.
type Server struct {
	*httptest.Server

	mu     sync.Mutex
	repos  map[string]*repo
	calls  map[string]int
	limits []*limitRule
	seq    int

	// BeforeUpdateRef, if set, runs before a ref update is applied, without
	// the server lock held. Tests use it to move the branch concurrently.
	BeforeUpdateRef func(repo, branch string)
}

// NewServer starts a fake server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		repos: make(map[string]*repo),
		calls: make(map[string]int),
	}
	mux := http.NewServeMux()
	s.handle(mux, RouteGetRepo, s.getRepo)
	s.handle(mux, RouteGetRef, s.getRef)
	s.handle(mux, RouteCreateRef, s.createRef)
	s.handle(mux, RouteUpdateRef, s.updateRef)
	s.handle(mux, RouteGetCommit, s.getCommit)
	s.handle(mux, RouteCreateCommit, s.createCommit)
	s.handle(mux, RouteCreateBlob, s.createBlob)
	s.handle(mux, RouteCreateTree, s.createTree)
	s.handle(mux, RouteGetTree, s.getTree)
	s.handle(mux, RouteGetContents, s.getContents)
	s.handle(mux, RoutePutContents, s.putContents)
	s.handle(mux, RouteCreatePull, s.createPull)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// APIURL returns the base URL to configure clients with.
func (s *Server) APIURL() string {
	return s.URL + "/"
}

func (s *Server) handle(mux *http.ServeMux, route string, h func(http.ResponseWriter, *http.Request, *repo)) {
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)

		s.mu.Lock()
		s.calls[route]++
		status := s.takeLimit(token, route)
		s.mu.Unlock()

		if status != 0 {
			writeRateLimit(w, status)
			return
		}

		id := r.PathValue("owner") + "/" + r.PathValue("repo")
		s.mu.Lock()
		rp := s.repos[id]
		s.mu.Unlock()
		if rp == nil {
			writeError(w, http.StatusNotFound, "Not Found")
			return
		}
		h(w, r, rp)
	})
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	for _, prefix := range []string{"Bearer ", "bearer ", "token "} {
		if strings.HasPrefix(h, prefix) {
			return strings.TrimPrefix(h, prefix)
		}
	}
	return ""
}

func (s *Server) takeLimit(token, route string) int {
	for _, l := range s.limits {
		if l.times <= 0 {
			continue
		}
		if l.token != "" && l.token != token {
			continue
		}
		if l.route != "" && l.route != route {
			continue
		}
		l.times--
		return l.status
	}
	return 0
}

func writeRateLimit(w http.ResponseWriter, status int) {
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
		writeError(w, status, "Too Many Requests")
		return
	}
	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	writeError(w, status, "API rate limit exceeded for installation.")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RateLimit makes the next times calls on route made with token fail with a
// primary rate limit response. Empty token or route match any.
func (s *Server) RateLimit(token, route string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, &limitRule{token: token, route: route, status: http.StatusForbidden, times: times})
}

// TooManyRequests is like RateLimit but answers with 429.
func (s *Server) TooManyRequests(token, route string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, &limitRule{token: token, route: route, status: http.StatusTooManyRequests, times: times})
}

// Calls returns how many requests hit route.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// ResetCalls zeroes the call counters.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

// ----- Fixtures -----

func (s *Server) nextSHA(parts ...string) string {
	s.seq++
	h := sha1.New()
	fmt.Fprintf(h, "%d", s.seq)
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Server) putTree(rp *repo, files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	h := sha1.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s %s\n", p, files[p])
	}
	sha := hex.EncodeToString(h.Sum(nil))
	rp.trees[sha] = files
	return sha
}

func (s *Server) putBlob(rp *repo, content []byte) string {
	sha := plumbing.ComputeHash(plumbing.BlobObject, content).String()
	rp.blobs[sha] = content
	return sha
}

func (s *Server) putCommit(rp *repo, tree, message string, parents ...string) string {
	sha := s.nextSHA(append([]string{tree, message}, parents...)...)
	rp.commits[sha] = &commit{tree: tree, parents: parents, message: message}
	return sha
}

// AddRepo creates a repository whose default branch holds files.
func (s *Server) AddRepo(id, defaultBranch string, files map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp := &repo{
		defaultBranch: defaultBranch,
		refs:          make(map[string]string),
		commits:       make(map[string]*commit),
		trees:         make(map[string]map[string]string),
		blobs:         make(map[string][]byte),
	}
	entries := make(map[string]string, len(files))
	for p, c := range files {
		entries[p] = s.putBlob(rp, []byte(c))
	}
	tree := s.putTree(rp, entries)
	rp.refs[defaultBranch] = s.putCommit(rp, tree, "initial commit")
	s.repos[id] = rp
}

func (s *Server) mustRepo(id string) *repo {
	rp := s.repos[id]
	if rp == nil {
		panic("remotetest: unknown repository " + id)
	}
	return rp
}

// SetFile commits content at path directly onto branch, as an outside writer
// would, and returns the new head.
func (s *Server) SetFile(id, branch, path, content string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp := s.mustRepo(id)
	head := rp.refs[branch]
	files := copyFiles(rp.trees[rp.commits[head].tree])
	files[path] = s.putBlob(rp, []byte(content))
	tree := s.putTree(rp, files)
	rp.refs[branch] = s.putCommit(rp, tree, "external change to "+path, head)
	return rp.refs[branch]
}

// File returns the content of path on branch.
func (s *Server) File(id, branch, path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp := s.mustRepo(id)
	head, ok := rp.refs[branch]
	if !ok {
		return "", false
	}
	blob, ok := rp.trees[rp.commits[head].tree][path]
	if !ok {
		return "", false
	}
	return string(rp.blobs[blob]), true
}

// Head returns the commit at the tip of branch, or "".
func (s *Server) Head(id, branch string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mustRepo(id).refs[branch]
}

// CommitInfo describes a commit in the fake.
type CommitInfo struct {
	Parents []string
	Message string
	Files   map[string]string
}

// Commit returns a commit with its files resolved to content.
func (s *Server) Commit(id, sha string) (CommitInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp := s.mustRepo(id)
	c, ok := rp.commits[sha]
	if !ok {
		return CommitInfo{}, false
	}
	info := CommitInfo{Parents: append([]string(nil), c.parents...), Message: c.message, Files: make(map[string]string)}
	for p, b := range rp.trees[c.tree] {
		info.Files[p] = string(rp.blobs[b])
	}
	return info, true
}

// Pulls returns the pull requests opened on a repository.
func (s *Server) Pulls(id string) []Pull {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Pull(nil), s.mustRepo(id).pulls...)
}

func copyFiles(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// isAncestor reports whether anc is reachable from sha through parents.
func isAncestor(rp *repo, anc, sha string) bool {
	seen := map[string]bool{}
	stack := []string{sha}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == anc {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if c, ok := rp.commits[cur]; ok {
			stack = append(stack, c.parents...)
		}
	}
	return false
}

// ----- Handlers -----

type refJSON struct {
	Ref    string `json:"ref"`
	Object struct {
		Type string `json:"type"`
		SHA  string `json:"sha"`
	} `json:"object"`
}

func refBody(branch, sha string) refJSON {
	var r refJSON
	r.Ref = "refs/heads/" + branch
	r.Object.Type = "commit"
	r.Object.SHA = sha
	return r
}

func (s *Server) getRepo(w http.ResponseWriter, r *http.Request, rp *repo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":           r.PathValue("repo"),
		"full_name":      r.PathValue("owner") + "/" + r.PathValue("repo"),
		"default_branch": rp.defaultBranch,
	})
}

func (s *Server) getRef(w http.ResponseWriter, r *http.Request, rp *repo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	branch := r.PathValue("branch")
	sha, ok := rp.refs[branch]
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, refBody(branch, sha))
}

func (s *Server) createRef(w http.ResponseWriter, r *http.Request, rp *repo) {
	var req struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	branch := strings.TrimPrefix(req.Ref, "refs/heads/")
	if _, exists := rp.refs[branch]; exists {
		writeError(w, http.StatusUnprocessableEntity, "Reference already exists")
		return
	}
	if _, ok := rp.commits[req.SHA]; !ok {
		writeError(w, http.StatusUnprocessableEntity, "Object does not exist")
		return
	}
	rp.refs[branch] = req.SHA
	writeJSON(w, http.StatusCreated, refBody(branch, req.SHA))
}

func (s *Server) updateRef(w http.ResponseWriter, r *http.Request, rp *repo) {
	var req struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	branch := r.PathValue("branch")
	if hook := s.BeforeUpdateRef; hook != nil {
		hook(r.PathValue("owner")+"/"+r.PathValue("repo"), branch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := rp.refs[branch]
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "Reference does not exist")
		return
	}
	if _, ok := rp.commits[req.SHA]; !ok {
		writeError(w, http.StatusUnprocessableEntity, "Object does not exist")
		return
	}
	if !req.Force && !isAncestor(rp, cur, req.SHA) {
		writeError(w, http.StatusUnprocessableEntity, "Update is not a fast forward")
		return
	}
	rp.refs[branch] = req.SHA
	writeJSON(w, http.StatusOK, refBody(branch, req.SHA))
}

func commitBody(sha string, c *commit) map[string]interface{} {
	parents := make([]map[string]string, 0, len(c.parents))
	for _, p := range c.parents {
		parents = append(parents, map[string]string{"sha": p})
	}
	return map[string]interface{}{
		"sha":     sha,
		"message": c.message,
		"tree":    map[string]string{"sha": c.tree},
		"parents": parents,
	}
}

func (s *Server) getCommit(w http.ResponseWriter, r *http.Request, rp *repo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sha := r.PathValue("sha")
	c, ok := rp.commits[sha]
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, commitBody(sha, c))
}

func (s *Server) createCommit(w http.ResponseWriter, r *http.Request, rp *repo) {
	var req struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := rp.trees[req.Tree]; !ok {
		writeError(w, http.StatusUnprocessableEntity, "Tree SHA does not exist")
		return
	}
	for _, p := range req.Parents {
		if _, ok := rp.commits[p]; !ok {
			writeError(w, http.StatusUnprocessableEntity, "Parent SHA does not exist or is not a commit object")
			return
		}
	}
	sha := s.putCommit(rp, req.Tree, req.Message, req.Parents...)
	writeJSON(w, http.StatusCreated, commitBody(sha, rp.commits[sha]))
}

func (s *Server) createBlob(w http.ResponseWriter, r *http.Request, rp *repo) {
	var req struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	content := []byte(req.Content)
	if req.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "Invalid base64 content")
			return
		}
		content = decoded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sha := s.putBlob(rp, content)
	writeJSON(w, http.StatusCreated, map[string]string{"sha": sha})
}

func treeBody(rp *repo, sha string) map[string]interface{} {
	files := rp.trees[sha]
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	entries := make([]map[string]interface{}, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, map[string]interface{}{
			"path": p,
			"mode": "100644",
			"type": "blob",
			"sha":  files[p],
			"size": len(rp.blobs[files[p]]),
		})
	}
	return map[string]interface{}{"sha": sha, "tree": entries, "truncated": false}
}

func (s *Server) createTree(w http.ResponseWriter, r *http.Request, rp *repo) {
	var req struct {
		BaseTree string `json:"base_tree"`
		Tree     []struct {
			Path string  `json:"path"`
			Mode string  `json:"mode"`
			Type string  `json:"type"`
			SHA  *string `json:"sha"`
		} `json:"tree"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	files := map[string]string{}
	if req.BaseTree != "" {
		base, ok := rp.trees[req.BaseTree]
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "base_tree is not a valid tree oid")
			return
		}
		files = copyFiles(base)
	}
	for _, e := range req.Tree {
		if e.SHA == nil {
			delete(files, e.Path)
			continue
		}
		if _, ok := rp.blobs[*e.SHA]; !ok {
			writeError(w, http.StatusUnprocessableEntity, "tree.sha "+*e.SHA+" is not a valid blob")
			return
		}
		files[e.Path] = *e.SHA
	}
	sha := s.putTree(rp, files)
	writeJSON(w, http.StatusCreated, treeBody(rp, sha))
}

func (s *Server) getTree(w http.ResponseWriter, r *http.Request, rp *repo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sha := r.PathValue("sha")
	if _, ok := rp.trees[sha]; !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, treeBody(rp, sha))
}

func contentBody(rp *repo, path, blob string) map[string]interface{} {
	content := rp.blobs[blob]
	name := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		name = path[i+1:]
	}
	return map[string]interface{}{
		"type":     "file",
		"encoding": "base64",
		"size":     len(content),
		"name":     name,
		"path":     path,
		"content":  base64.StdEncoding.EncodeToString(content),
		"sha":      blob,
	}
}

func (s *Server) getContents(w http.ResponseWriter, r *http.Request, rp *repo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		ref = rp.defaultBranch
	}
	head, ok := rp.refs[ref]
	if !ok {
		if _, isCommit := rp.commits[ref]; !isCommit {
			writeError(w, http.StatusNotFound, "No commit found for the ref "+ref)
			return
		}
		head = ref
	}
	path := r.PathValue("path")
	blob, ok := rp.trees[rp.commits[head].tree][path]
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, contentBody(rp, path, blob))
}

func (s *Server) putContents(w http.ResponseWriter, r *http.Request, rp *repo) {
	var req struct {
		Message string `json:"message"`
		Content string `json:"content"`
		SHA     string `json:"sha"`
		Branch  string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "content is not valid Base64")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	branch := req.Branch
	if branch == "" {
		branch = rp.defaultBranch
	}
	head, ok := rp.refs[branch]
	if !ok {
		writeError(w, http.StatusNotFound, "Branch "+branch+" not found")
		return
	}
	path := r.PathValue("path")
	files := copyFiles(rp.trees[rp.commits[head].tree])
	current, exists := files[path]
	switch {
	case exists && req.SHA == "":
		writeError(w, http.StatusUnprocessableEntity, "Invalid request.\n\n\"sha\" wasn't supplied.")
		return
	case exists && req.SHA != current, !exists && req.SHA != "":
		writeError(w, http.StatusConflict, path+" does not match "+req.SHA)
		return
	}
	blob := s.putBlob(rp, content)
	files[path] = blob
	tree := s.putTree(rp, files)
	sha := s.putCommit(rp, tree, req.Message, head)
	rp.refs[branch] = sha

	status := http.StatusOK
	if !exists {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"content": contentBody(rp, path, blob),
		"commit":  commitBody(sha, rp.commits[sha]),
	})
}

func (s *Server) createPull(w http.ResponseWriter, r *http.Request, rp *repo) {
	var req struct {
		Title string `json:"title"`
		Head  string `json:"head"`
		Base  string `json:"base"`
		Body  string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := rp.refs[req.Head]; !ok {
		writeError(w, http.StatusUnprocessableEntity, "Validation Failed")
		return
	}
	if _, ok := rp.refs[req.Base]; !ok {
		writeError(w, http.StatusUnprocessableEntity, "Validation Failed")
		return
	}
	pr := Pull{Number: len(rp.pulls) + 1, Title: req.Title, Head: req.Head, Base: req.Base, Body: req.Body}
	rp.pulls = append(rp.pulls, pr)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"number":   pr.Number,
		"title":    pr.Title,
		"state":    "open",
		"html_url": fmt.Sprintf("%s/%s/%s/pull/%d", s.URL, r.PathValue("owner"), r.PathValue("repo"), pr.Number),
	})
}
