package main

import (
	"flag"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/therealak12/socks5d"
)

func main() {
	proxyURL := flag.String("proxy", "socks5h://127.0.0.1:1080", "socks5:// or socks5h:// proxy url")
	target := flag.String("url", "http://example.com/", "url to fetch through the proxy")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	socks5Dialer, err := socks5d.NewDialer(*proxyURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create dialer")
	}

	cli := &http.Client{
		Transport: &http.Transport{
			DialContext: socks5Dialer.DialContext,
		},
		Timeout: 30 * time.Second,
	}

	response, err := cli.Get(*target)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to get url")
	}
	defer response.Body.Close()

	n, err := io.Copy(os.Stdout, response.Body)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read response body")
	}
	log.Info().Str("status", response.Status).Int64("bytes", n).Msg("fetched")
}
