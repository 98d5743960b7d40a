package koji

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kolo/xmlrpc"
	"github.com/sirupsen/logrus"

	"github.com/blankon/irgsh-composer/pkg/systemutil"
)

// ErrBuildNotFound is returned when the hub does not know the build.
var ErrBuildNotFound = errors.New("build not found")

// RemoteError is a failure reported by the hub or the transport to it.
type RemoteError struct {
	Method string
	Err    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("koji %s: %v", e.Method, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Koji task states as reported by getTaskInfo.
const (
	taskFree     = 0
	taskOpen     = 1
	taskClosed   = 2
	taskCanceled = 3
	taskAssigned = 4
	taskFailed   = 5
)

// BuildInfo is the subset of getBuild the composer uses.
type BuildInfo struct {
	ID      int64  `xmlrpc:"id"`
	NVR     string `xmlrpc:"nvr"`
	Name    string `xmlrpc:"name"`
	Version string `xmlrpc:"version"`
	Release string `xmlrpc:"release"`
	State   int    `xmlrpc:"state"`
}

// Client talks to a Koji hub over XML-RPC. Calls are serialized because the
// hub expects strictly increasing call numbers within a session.
type Client struct {
	mu         sync.Mutex
	sessionID  int64
	sessionKey string
	callnum    int
	xmlrpc     *xmlrpc.Client
	server     string

	pollInterval time.Duration
	taskTimeout  time.Duration
	log          *logrus.Entry
}

type Option func(*Client)

// WithTaskPolling sets how tag tasks are waited for.
func WithTaskPolling(interval, timeout time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
		if timeout > 0 {
			c.taskTimeout = timeout
		}
	}
}

func New(server string, opts ...Option) (*Client, error) {
	k := &Client{
		server:       server,
		pollInterval: 5 * time.Second,
		taskTimeout:  30 * time.Minute,
		log:          logrus.WithField("component", "koji"),
	}
	for _, opt := range opts {
		opt(k)
	}
	client, err := xmlrpc.NewClient(server, k)
	if err != nil {
		return nil, err
	}
	k.xmlrpc = client
	return k, nil
}

// RoundTrip passes the session credentials along once logged in. The
// XML-RPC helpers do not allow adjusting the URL per call, so this is done
// at the transport level.
func (k *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	if k.sessionKey == "" {
		return http.DefaultTransport.RoundTrip(req)
	}

	rClone := req.Clone(req.Context())
	values := rClone.URL.Query()
	values.Add("session-id", fmt.Sprintf("%v", k.sessionID))
	values.Add("session-key", k.sessionKey)
	values.Add("callnum", fmt.Sprintf("%v", k.callnum))
	rClone.URL.RawQuery = values.Encode()

	k.callnum++

	return http.DefaultTransport.RoundTrip(rClone)
}

func (k *Client) call(ctx context.Context, method string, args []interface{}, reply interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	err := k.xmlrpc.Call(method, args, reply)
	if err == nil {
		return nil
	}
	// faults reach us flattened to their message by net/rpc
	if strings.Contains(err.Error(), "No such build") {
		return fmt.Errorf("%w: %v", ErrBuildNotFound, err)
	}
	return &RemoteError{Method: method, Err: err}
}

// Login sets up a new session with the given user/password
func (k *Client) Login(ctx context.Context, user, password string) error {
	var reply struct {
		SessionID  int64  `xmlrpc:"session-id"`
		SessionKey string `xmlrpc:"session-key"`
	}
	if err := k.call(ctx, "login", []interface{}{user, password}, &reply); err != nil {
		return err
	}
	k.mu.Lock()
	k.sessionID = reply.SessionID
	k.sessionKey = reply.SessionKey
	k.callnum = 0
	k.mu.Unlock()
	k.log.WithField("user", user).Info("logged in to koji hub")
	return nil
}

// Logout ends the session
func (k *Client) Logout(ctx context.Context) error {
	var result interface{}
	return k.call(ctx, "logout", nil, &result)
}

// ListTags returns the names of the tags a build is in.
func (k *Client) ListTags(ctx context.Context, nvr string) ([]string, error) {
	var reply []struct {
		Name string `xmlrpc:"name"`
	}
	if err := k.call(ctx, "listTags", []interface{}{nvr}, &reply); err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(reply))
	for _, t := range reply {
		tags = append(tags, t.Name)
	}
	return tags, nil
}

// MoveBuild retags a build from one tag to another and waits for the hub task.
func (k *Client) MoveBuild(ctx context.Context, from, to, nvr string) error {
	var taskID int64
	if err := k.call(ctx, "moveBuild", []interface{}{from, to, nvr}, &taskID); err != nil {
		return err
	}
	k.log.WithFields(logrus.Fields{"nvr": nvr, "from": from, "to": to, "task": taskID}).Info("moving build")
	return k.waitForTask(ctx, "moveBuild", taskID)
}

// AddTag tags a build into tag and waits for the hub task.
func (k *Client) AddTag(ctx context.Context, tag, nvr string) error {
	var taskID int64
	if err := k.call(ctx, "tagBuild", []interface{}{tag, nvr}, &taskID); err != nil {
		return err
	}
	k.log.WithFields(logrus.Fields{"nvr": nvr, "tag": tag, "task": taskID}).Info("tagging build")
	return k.waitForTask(ctx, "tagBuild", taskID)
}

// UntagBuild removes a build from tag. The hub does this synchronously.
func (k *Client) UntagBuild(ctx context.Context, tag, nvr string) error {
	var result interface{}
	if err := k.call(ctx, "untagBuild", []interface{}{tag, nvr}, &result); err != nil {
		return err
	}
	k.log.WithFields(logrus.Fields{"nvr": nvr, "tag": tag}).Info("untagged build")
	return nil
}

// GetBuild looks a build up by NVR.
func (k *Client) GetBuild(ctx context.Context, nvr string) (*BuildInfo, error) {
	var info BuildInfo
	// strict: an unknown build is a fault rather than nil
	if err := k.call(ctx, "getBuild", []interface{}{nvr, true}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// BuildSigned reports whether every RPM of a build carries a signature
// made with sigkey.
func (k *Client) BuildSigned(ctx context.Context, nvr, sigkey string) (bool, error) {
	build, err := k.GetBuild(ctx, nvr)
	if err != nil {
		return false, err
	}

	var rpms []struct {
		ID   int64  `xmlrpc:"id"`
		Arch string `xmlrpc:"arch"`
	}
	if err := k.call(ctx, "listRPMs", []interface{}{build.ID}, &rpms); err != nil {
		return false, err
	}
	if len(rpms) == 0 {
		return false, nil
	}

	for _, rpm := range rpms {
		var sigs []struct {
			Sigkey string `xmlrpc:"sigkey"`
		}
		if err := k.call(ctx, "queryRPMSigs", []interface{}{rpm.ID, sigkey}, &sigs); err != nil {
			return false, err
		}
		if len(sigs) == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (k *Client) waitForTask(ctx context.Context, method string, taskID int64) error {
	return systemutil.Poll(ctx, k.pollInterval, k.taskTimeout, func(ctx context.Context) (bool, error) {
		var info struct {
			State int `xmlrpc:"state"`
		}
		if err := k.call(ctx, "getTaskInfo", []interface{}{taskID}, &info); err != nil {
			return false, err
		}
		switch info.State {
		case taskClosed:
			return true, nil
		case taskFailed, taskCanceled:
			return false, &RemoteError{Method: method, Err: fmt.Errorf("task %d ended in state %d", taskID, info.State)}
		default:
			return false, nil
		}
	})
}
