package relay

import (
	"strings"
)

// GenericFallback is the degraded-mode answer when no keyword matches.
const GenericFallback = "I could not reach the language model service. " +
	"Please check your API key in the extension settings and try again."

// cannedAnswers are served when the selected provider fails before the
// stream starts, matched against keywords in the user's text. The user
// always receives some answer instead of a raw error.
var cannedAnswers = []struct {
	keyword string
	answer  string
}{
	{"ndvi", "NDVI (Normalized Difference Vegetation Index) measures vegetation " +
		"health from the red and near-infrared bands: (NIR - Red) / (NIR + Red). " +
		"Values near 1 indicate dense vegetation, values near 0 bare soil, and " +
		"negative values water. In the code editor you can compute it with " +
		"image.normalizedDifference(['B5', 'B4']) on Landsat 8 imagery."},
	{"landsat", "Landsat is a long-running series of Earth observation satellites. " +
		"Landsat 8 and 9 collections are available in the editor's data catalog; " +
		"search for LANDSAT/LC08/C02/T1_L2 for surface reflectance scenes."},
	{"sentinel", "Sentinel satellites are ESA's Earth observation missions. " +
		"Sentinel-2 provides 10 m optical imagery (COPERNICUS/S2_SR_HARMONIZED in " +
		"the catalog) and Sentinel-1 provides radar imagery useful under cloud cover."},
	{"elevation", "For terrain analysis try the SRTM digital elevation model " +
		"(USGS/SRTMGL1_003), which provides 30 m global elevation. Derive slope " +
		"and aspect with the terrain functions in the editor."},
	{"cloud", "Cloud masking is usually done with the QA band of the collection. " +
		"For Sentinel-2 use the QA60 band or the cloud probability collection; for " +
		"Landsat use the QA_PIXEL band bit flags."},
}

// Fallback returns a canned local answer for the user's text, keyed by the
// first matching keyword, or the generic fallback string.
func Fallback(userText string) string {
	lower := strings.ToLower(userText)
	for _, canned := range cannedAnswers {
		if strings.Contains(lower, canned.keyword) {
			return canned.answer
		}
	}
	return GenericFallback
}
