package koji

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var methodRx = regexp.MustCompile(`<methodName>([^<]+)</methodName>`)

// fakeHub answers XML-RPC calls from canned responses keyed by method name.
// A method with several responses returns them in turn, repeating the last.
type fakeHub struct {
	mu        sync.Mutex
	responses map[string][]string
	calls     []string
	queries   []string
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m := methodRx.FindSubmatch(body)
	if m == nil {
		http.Error(w, "no method", http.StatusBadRequest)
		return
	}
	method := string(m[1])

	h.mu.Lock()
	h.calls = append(h.calls, method)
	h.queries = append(h.queries, r.URL.RawQuery)
	queue := h.responses[method]
	var value string
	switch len(queue) {
	case 0:
		h.mu.Unlock()
		writeFault(w, 1000, "unknown method "+method)
		return
	case 1:
		value = queue[0]
	default:
		value = queue[0]
		h.responses[method] = queue[1:]
	}
	h.mu.Unlock()

	if len(value) > 6 && value[:6] == "fault:" {
		writeFault(w, 1000, value[6:])
		return
	}
	fmt.Fprintf(w, `<?xml version="1.0"?><methodResponse><params><param><value>%s</value></param></params></methodResponse>`, value)
}

func writeFault(w http.ResponseWriter, code int, msg string) {
	fmt.Fprintf(w, `<?xml version="1.0"?><methodResponse><fault><value><struct>`+
		`<member><name>faultCode</name><value><int>%d</int></value></member>`+
		`<member><name>faultString</name><value><string>%s</string></value></member>`+
		`</struct></value></fault></methodResponse>`, code, msg)
}

func member(name, value string) string {
	return "<member><name>" + name + "</name><value>" + value + "</value></member>"
}

func tagList(names ...string) string {
	out := "<array><data>"
	for _, n := range names {
		out += "<value><struct>" + member("name", "<string>"+n+"</string>") + member("id", "<int>1</int>") + "</struct></value>"
	}
	return out + "</data></array>"
}

func taskInfo(state int) string {
	return "<struct>" + member("state", fmt.Sprintf("<int>%d</int>", state)) + member("method", "<string>tagBuild</string>") + "</struct>"
}

func newTestClient(t *testing.T, hub *fakeHub) *Client {
	t.Helper()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	client, err := New(server.URL, WithTaskPolling(time.Millisecond, time.Second))
	require.NoError(t, err)
	return client
}

func TestClient_ListTags(t *testing.T) {
	hub := &fakeHub{responses: map[string][]string{
		"listTags": {tagList("f40-updates-candidate", "f40-signing-pending")},
	}}
	client := newTestClient(t, hub)

	tags, err := client.ListTags(context.Background(), "pkg-1.0-1.fc40")
	require.NoError(t, err)
	assert.Equal(t, []string{"f40-updates-candidate", "f40-signing-pending"}, tags)
}

func TestClient_BuildNotFound(t *testing.T) {
	hub := &fakeHub{responses: map[string][]string{
		"listTags": {"fault:No such build: 'ghost-1-1'"},
		"getBuild": {"fault:No such build: 'ghost-1-1'"},
	}}
	client := newTestClient(t, hub)

	_, err := client.ListTags(context.Background(), "ghost-1-1")
	assert.ErrorIs(t, err, ErrBuildNotFound)

	_, err = client.GetBuild(context.Background(), "ghost-1-1")
	assert.ErrorIs(t, err, ErrBuildNotFound)
}

func TestClient_RemoteError(t *testing.T) {
	hub := &fakeHub{responses: map[string][]string{
		"untagBuild": {"fault:ActionNotAllowed: tag f40-updates is locked"},
	}}
	client := newTestClient(t, hub)

	err := client.UntagBuild(context.Background(), "f40-updates", "pkg-1.0-1.fc40")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrBuildNotFound))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "untagBuild", remote.Method)
}

func TestClient_MoveBuildWaitsForTask(t *testing.T) {
	hub := &fakeHub{responses: map[string][]string{
		"moveBuild":   {"<int>42</int>"},
		"getTaskInfo": {taskInfo(taskOpen), taskInfo(taskOpen), taskInfo(taskClosed)},
	}}
	client := newTestClient(t, hub)

	err := client.MoveBuild(context.Background(), "f40-updates-candidate", "f40-updates-testing", "pkg-1.0-1.fc40")
	require.NoError(t, err)
	assert.Equal(t, []string{"moveBuild", "getTaskInfo", "getTaskInfo", "getTaskInfo"}, hub.calls)
}

func TestClient_AddTagTaskFailed(t *testing.T) {
	hub := &fakeHub{responses: map[string][]string{
		"tagBuild":    {"<int>7</int>"},
		"getTaskInfo": {taskInfo(taskFailed)},
	}}
	client := newTestClient(t, hub)

	err := client.AddTag(context.Background(), "f40-updates", "pkg-1.0-1.fc40")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "tagBuild", remote.Method)
}

func TestClient_BuildSigned(t *testing.T) {
	build := "<struct>" + member("id", "<int>99</int>") + member("nvr", "<string>pkg-1.0-1.fc40</string>") + "</struct>"
	rpms := "<array><data>" +
		"<value><struct>" + member("id", "<int>1</int>") + member("arch", "<string>src</string>") + "</struct></value>" +
		"<value><struct>" + member("id", "<int>2</int>") + member("arch", "<string>x86_64</string>") + "</struct></value>" +
		"</data></array>"
	sig := "<array><data><value><struct>" + member("sigkey", "<string>a15b79cc</string>") + "</struct></value></data></array>"
	none := "<array><data></data></array>"

	hub := &fakeHub{responses: map[string][]string{
		"getBuild":     {build},
		"listRPMs":     {rpms},
		"queryRPMSigs": {sig, none},
	}}
	client := newTestClient(t, hub)

	signed, err := client.BuildSigned(context.Background(), "pkg-1.0-1.fc40", "a15b79cc")
	require.NoError(t, err)
	assert.False(t, signed)

	hub.responses["queryRPMSigs"] = []string{sig}
	signed, err = client.BuildSigned(context.Background(), "pkg-1.0-1.fc40", "a15b79cc")
	require.NoError(t, err)
	assert.True(t, signed)
}

func TestClient_LoginSession(t *testing.T) {
	session := "<struct>" + member("session-id", "<int>12</int>") + member("session-key", "<string>secret</string>") + "</struct>"
	hub := &fakeHub{responses: map[string][]string{
		"login":    {session},
		"listTags": {tagList()},
	}}
	client := newTestClient(t, hub)

	require.NoError(t, client.Login(context.Background(), "composer", "pass"))
	_, err := client.ListTags(context.Background(), "pkg-1.0-1.fc40")
	require.NoError(t, err)

	assert.Empty(t, hub.queries[0])
	assert.Contains(t, hub.queries[1], "session-id=12")
	assert.Contains(t, hub.queries[1], "session-key=secret")
	assert.Contains(t, hub.queries[1], "callnum=0")
}

func TestClient_CanceledContext(t *testing.T) {
	hub := &fakeHub{responses: map[string][]string{}}
	client := newTestClient(t, hub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.ListTags(ctx, "pkg-1.0-1.fc40")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, hub.calls)
}
