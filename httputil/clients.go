package httputil

import (
	"net/http"
	"time"
)

type Clients struct {
	Scraping *http.Client // for target sites
	LLM      *http.Client // for the local/hosted model backend
}

func NewClients(fetchTimeout, llmTimeout time.Duration) *Clients {
	scraping := &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	return &Clients{
		Scraping: scraping,
		LLM:      &http.Client{Timeout: llmTimeout},
	}
}
