package upstream

import (
	"fmt"
	"math/rand"
)

// Each upstream call presents a fresh browser identity, paired with the
// challenge token solved under the same identity.

var uaTemplates = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:%d.0) Gecko/20100101 Firefox/%d.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:%d.0) Gecko/20100101 Firefox/%d.0",
}

func RandomUserAgent() string {
	tmpl := uaTemplates[rand.Intn(len(uaTemplates))]
	major := 120 + rand.Intn(18)
	if countVerbs(tmpl) == 2 {
		return fmt.Sprintf(tmpl, major, major)
	}
	return fmt.Sprintf(tmpl, major)
}

func countVerbs(tmpl string) int {
	n := 0
	for i := 0; i+1 < len(tmpl); i++ {
		if tmpl[i] == '%' && tmpl[i+1] == 'd' {
			n++
		}
	}
	return n
}
