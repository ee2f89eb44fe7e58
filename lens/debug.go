package lens

import "sync"

// Process-wide debug state. Enable installs (or re-points) a single default
// client; components read the state through accessors so tests can snapshot
// and restore it around each case. The client persists across Disable so
// proxies built through Wrap stay wired to the process-wide lifecycle.

var (
	debugMu     sync.Mutex
	debugClient *Client
)

// Enable turns on process-wide interception against the given server
// address. An empty address uses DefaultServerURL (subject to the
// LENS_SERVER_URL and LENS_SERVER_PORT environment overrides). Enabling
// against a different address resets the registration record and sent
// cache so every callable is announced to the new server.
func Enable(serverURL string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	if debugClient == nil {
		debugClient = NewClient(ClientConfig{ServerURL: serverURL})
	} else {
		debugClient.SetServerURL(serverURL)
	}
	debugClient.Enable()
}

// Disable turns off process-wide interception. Proxies created through Wrap
// become transparent immediately; in-flight calls finish their current
// protocol exchange. The registration record clears so a later Enable
// re-announces every callable.
func Disable() {
	debugMu.Lock()
	defer debugMu.Unlock()
	if debugClient != nil {
		debugClient.Disable()
	}
}

// Enabled reports whether process-wide interception is active.
func Enabled() bool {
	debugMu.Lock()
	defer debugMu.Unlock()
	return debugClient != nil && debugClient.Enabled()
}

// DefaultClient returns the process-wide client, creating a disabled one on
// first use.
func DefaultClient() *Client {
	debugMu.Lock()
	defer debugMu.Unlock()
	if debugClient == nil {
		debugClient = NewClient(ClientConfig{})
	}
	return debugClient
}

// Wrap proxies target through the process-wide client. While debugging is
// off the proxy runs calls directly with no protocol contact; Enable and
// Disable take effect on existing proxies without re-wrapping.
func Wrap(alias string, target any) *Proxy {
	return NewProxy(DefaultClient(), alias, target)
}

// swapDebugState replaces the process-wide state and returns a restore
// function, letting tests run with isolated clients.
func swapDebugState(c *Client) (restore func()) {
	debugMu.Lock()
	prev := debugClient
	debugClient = c
	debugMu.Unlock()
	return func() {
		debugMu.Lock()
		debugClient = prev
		debugMu.Unlock()
	}
}
