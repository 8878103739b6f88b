package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// getJSON fetches a URL and pretty-prints the JSON response body.
func getJSON(base, path string, query url.Values, out io.Writer) error {
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := http.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, body)
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		_, err = out.Write(body)
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// postAction issues a body-less POST control action and reports the status.
func postAction(base, path string, query url.Values, out io.Writer) error {
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := http.Post(u, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, body)
	}
	if len(body) > 0 {
		_, _ = out.Write(body)
		_, _ = fmt.Fprintln(out)
		return nil
	}
	_, _ = fmt.Fprintln(out, "ok")
	return nil
}
