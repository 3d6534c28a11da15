package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/venvdeck/internal/api"
	"github.com/mattjoyce/venvdeck/internal/events"
	"github.com/mattjoyce/venvdeck/internal/operation"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type environmentsMsg []api.EnvironmentResponse

type actionMsg struct {
	verb string
	op   operation.Snapshot
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

func newRequest(method, url, apiKey string) (*http.Request, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

// subscribeToEvents connects to the SSE /events endpoint and feeds events
// into the provided channel, resuming after lastID. Returns
// sseDisconnectedMsg when the connection drops.
func subscribeToEvents(apiURL, apiKey string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := newRequest(http.MethodGet, apiURL+"/events", apiKey)
		if err != nil {
			return errMsg(err)
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events: %s", resp.Status))
		}

		for ev := range scanEvents(bufio.NewScanner(resp.Body)) {
			ch <- ev
		}
		return sseDisconnectedMsg{}
	}
}

// scanEvents parses SSE frames. Comment lines (keep-alives) are ignored.
func scanEvents(scanner *bufio.Scanner) <-chan events.Event {
	out := make(chan events.Event)
	go func() {
		defer close(out)
		var cur events.Event
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if len(cur.Data) > 0 {
					cur.At = time.Now()
					out <- cur
				}
				cur = events.Event{}
			case strings.HasPrefix(line, "id: "):
				if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
					cur.ID = id
				}
			case strings.HasPrefix(line, "event: "):
				cur.Type = line[7:]
			case strings.HasPrefix(line, "data: "):
				cur.Data = []byte(line[6:])
			}
		}
	}()
	return out
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func getJSON(apiURL, apiKey, path string, out any) error {
	return callJSON(http.MethodGet, apiURL, apiKey, path, out)
}

func callJSON(method, apiURL, apiKey, path string, out any) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := newRequest(method, apiURL+path, apiKey)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL, apiKey string) tea.Msg {
	var h api.HealthzResponse
	if err := getJSON(apiURL, apiKey, "/healthz", &h); err != nil {
		return errMsg(err)
	}
	return healthMsg(h)
}

// fetchEnvironments lists environments with their on-disk size.
func fetchEnvironments(apiURL, apiKey string) tea.Cmd {
	return func() tea.Msg {
		var list api.EnvironmentListResponse
		if err := getJSON(apiURL, apiKey, "/environments?size=1", &list); err != nil {
			return errMsg(err)
		}
		return environmentsMsg(list.Environments)
	}
}

// refreshEnvironment starts a package-list refresh without waiting.
func refreshEnvironment(apiURL, apiKey, name string) tea.Cmd {
	return func() tea.Msg {
		var snap operation.Snapshot
		if err := callJSON(http.MethodPost, apiURL, apiKey, "/environments/"+name+"/refresh", &snap); err != nil {
			return errMsg(err)
		}
		return actionMsg{verb: "refresh", op: snap}
	}
}

// cancelOperation requests cancellation of a running operation.
func cancelOperation(apiURL, apiKey, id string) tea.Cmd {
	return func() tea.Msg {
		var snap operation.Snapshot
		if err := callJSON(http.MethodPost, apiURL, apiKey, "/operations/"+id+"/cancel", &snap); err != nil {
			return errMsg(err)
		}
		return actionMsg{verb: "cancel", op: snap}
	}
}
