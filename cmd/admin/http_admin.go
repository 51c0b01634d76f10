package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// remoteCmd queries a running server's loopback admin endpoints. Remaining flags after the
// known ones are passed through as query parameters (-p key=value, repeatable).
func remoteCmd(endpoint string, args []string) {
	fs := flag.NewFlagSet("remote-"+endpoint, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	var params paramList
	fs.Var(&params, "p", "query parameter key=value (repeatable), e.g. -p actor=player-42 -p aabb=0,0,0:16,128,16")
	_ = fs.Parse(args)

	q := url.Values{}
	for _, kv := range params {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			fmt.Fprintln(os.Stderr, "bad -p (want key=value):", kv)
			os.Exit(2)
		}
		q.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/" + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

type paramList []string

func (p *paramList) String() string     { return strings.Join(*p, ",") }
func (p *paramList) Set(v string) error { *p = append(*p, v); return nil }
