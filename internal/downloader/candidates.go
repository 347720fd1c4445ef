package downloader

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"imgcrawler/pkg/types"
)

var sizedName = regexp.MustCompile(`^(.+)_(\d+)x(\d+)\.([A-Za-z0-9]+)$`)

var (
	hqSizes      = []string{"2000x0", "1200x0", "800x0"}
	fallbackExts = []string{"jpg", "jpeg", "png"}
	unsizedSwaps = []string{"jpg", "jpeg", "png", "webp"}
)

// HQVariants derives higher-resolution URLs from a thumbnail URL. CDNs that
// name resized copies <stem>_<W>x<H>.<ext> usually also serve the larger
// sizes and the unsuffixed original next to it.
func HQVariants(thumbURL string) []string {
	u, err := url.Parse(thumbURL)
	if err != nil || u.Path == "" {
		return nil
	}
	dir, name := path.Split(u.Path)

	var names []string
	if m := sizedName.FindStringSubmatch(name); m != nil {
		stem, ext := m[1], m[4]
		for _, size := range hqSizes {
			names = append(names, stem+"_"+size+"."+ext)
		}
		names = append(names, stem+"."+ext)
		for _, e := range fallbackExts {
			if !strings.EqualFold(e, ext) {
				names = append(names, stem+"."+e)
			}
		}
	} else {
		ext := path.Ext(name)
		if ext == "" {
			return nil
		}
		stem := strings.TrimSuffix(name, ext)
		for _, e := range unsizedSwaps {
			if !strings.EqualFold("."+e, ext) {
				names = append(names, stem+"."+e)
			}
		}
	}

	out := make([]string, 0, len(names))
	seen := map[string]struct{}{thumbURL: {}}
	for _, n := range names {
		v := *u
		v.Path = dir + n
		v.RawPath = ""
		s := v.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ExpandCandidates returns the download candidates for one image: the
// high-resolution variants first and the URL as found on the page last.
// The thumbnail usually passes validation on its own, so trying it first
// would stop the cycle before any larger variant is requested. It stays in
// the list as the fallback when no variant exists.
func ExpandCandidates(thumbURL string) types.DownloadCandidate {
	return types.DownloadCandidate{thumbURL}.Prepend(HQVariants(thumbURL)...)
}
