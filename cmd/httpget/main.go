// Command httpget fetches a URL through the connection manager and writes the
// decoded response body to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	httpmgr "github.com/jellybeanjohnny/go-httpmgr"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/errors"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/logging"
)

func main() {
	var (
		h2c       = flag.Bool("h2c", false, "prefer cleartext HTTP/2 for plain-HTTP origins")
		noHTTP2   = flag.Bool("no-http2", false, "omit h2 from the TLS ALPN offer")
		timeout   = flag.Duration("timeout", 30*time.Second, "overall request deadline")
		verbose   = flag.Bool("v", false, "log connection decisions to stderr")
		headersTo = flag.Bool("i", false, "print status line and headers before the body")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: httpget [flags] URL\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	target, err := url.Parse(flag.Arg(0))
	if err != nil {
		log.Fatalf("invalid URL: %v", err)
	}

	secure := false
	switch target.Scheme {
	case "https":
		secure = true
	case "http", "":
	default:
		log.Fatalf("unsupported scheme: %s", target.Scheme)
	}

	port := 0
	if p := target.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			log.Fatalf("invalid port: %v", err)
		}
	}

	opts := httpmgr.DefaultOptions()
	opts.PreferCleartextHTTP2 = *h2c
	opts.DisableHTTP2 = *noHTTP2
	if *verbose {
		opts.Logger = logging.StdLogger{L: log.New(os.Stderr, "httpget ", log.LstdFlags)}
	}

	mgr := httpmgr.NewManager(nil, opts)
	defer mgr.Close()

	path := target.RequestURI()
	if path == "" {
		path = "/"
	}

	req := httpmgr.NewRequest("GET", target.Hostname(), path)
	req.SetHeader("User-Agent", "httpget/"+httpmgr.Version)
	req.SetHeader("Accept-Encoding", "gzip, br, zstd")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := mgr.Request(ctx, secure, target.Hostname(), port, req)
	if err != nil {
		if errors.IsContextTimeout(err) {
			log.Fatalf("request timed out after %v", *timeout)
		}
		log.Fatalf("request failed: %v", err)
	}
	defer resp.Close()

	if *headersTo {
		fmt.Printf("%s %d\n", resp.HTTPVersion, resp.StatusCode)
		for key, values := range resp.Headers {
			fmt.Printf("%s: %s\n", key, strings.Join(values, ", "))
		}
		fmt.Println()
	}

	body, err := resp.DecodedBody()
	if err != nil {
		log.Fatalf("decoding body: %v", err)
	}
	defer body.Close()

	if _, err := io.Copy(os.Stdout, body); err != nil {
		log.Fatalf("reading body: %v", err)
	}
}
