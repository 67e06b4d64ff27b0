package i18n

import (
	"strings"

	"golang.org/x/text/language"
)

// Keys used by the widget host outside the camera overlay.
const (
	KeyCameraDisabled          = "camera-disabled"
	KeyCameraNotFound          = "camera-not-found"
	KeyCameraNotAllowed        = "camera-not-allowed"
	KeyCameraInUse             = "camera-in-use"
	KeyCameraGenericError      = "camera-generic-error"
	KeyScanUnsuccessful        = "feedback-scan-unsuccessful"
	KeyScanUnsuccessfulTitle   = "feedback-scan-unsuccessful-title"
	KeyGenericError            = "feedback-error-generic"
	KeyInitializationError     = "initialization-error"
	KeyProcessImageMessage     = "process-image-message"
	KeyScanSuccessful          = "feedback-scan-successful"
	KeyImageNotSupported       = "action-message-image-not-supported"
	KeyScanningNotAvailable    = "scanning-not-available"
	KeyCheckInternetConnection = "check-internet-connection"
)

var catalog = map[language.Tag]map[string]string{
	language.English: {
		"camera-feedback-scan-front":      "Place the front side of a card",
		"camera-feedback-scan-back":       "Place the back side of a card",
		"camera-feedback-flip":            "Flip to the back side",
		"camera-feedback-move-farther":    "Move farther",
		"camera-feedback-move-closer":     "Move closer",
		"camera-feedback-adjust-angle":    "Adjust the angle",
		"camera-feedback-barcode-message": "Scan the code",
		KeyCameraDisabled:                 "Camera disabled",
		KeyCameraNotFound:                 "No camera found on this device",
		KeyCameraNotAllowed:               "Camera not allowed",
		KeyCameraInUse:                    "Camera in use by another application",
		KeyCameraGenericError:             "Cannot access camera",
		KeyScanUnsuccessful:               "We weren't able to recognize your card. Please try again.",
		KeyScanUnsuccessfulTitle:          "Scan unsuccessful",
		KeyGenericError:                   "Whoops, that didn't work. Please give it another go.",
		KeyInitializationError:            "Failed to load component. Try using another device!",
		KeyProcessImageMessage:            "Just a moment.",
		KeyScanSuccessful:                 "Scan successful",
		KeyImageNotSupported:              "Image format not supported",
		KeyScanningNotAvailable:           "Scanning not available.",
		KeyCheckInternetConnection:       "Check your internet connection.",
	},
	language.Czech: {
		"camera-feedback-scan-front":   "Umístěte přední stranu karty",
		"camera-feedback-scan-back":    "Umístěte zadní stranu karty",
		"camera-feedback-flip":         "Otočte na zadní stranu",
		"camera-feedback-move-farther": "Posuňte dál",
		"camera-feedback-move-closer":  "Posuňte blíž",
		"camera-feedback-adjust-angle": "Upravte úhel",
		KeyCameraNotAllowed:            "Kamera není povolena",
		KeyScanUnsuccessful:            "Kartu se nepodařilo rozpoznat. Zkuste to prosím znovu.",
	},
	language.Slovak: {
		"camera-feedback-scan-front":   "Umiestnite prednú stranu karty",
		"camera-feedback-scan-back":    "Umiestnite zadnú stranu karty",
		"camera-feedback-flip":         "Otočte na zadnú stranu",
		"camera-feedback-move-farther": "Posuňte ďalej",
		"camera-feedback-move-closer":  "Posuňte bližšie",
		"camera-feedback-adjust-angle": "Upravte uhol",
		KeyCameraNotAllowed:            "Kamera nie je povolená",
		KeyScanUnsuccessful:            "Kartu sa nepodarilo rozpoznať. Skúste to prosím znova.",
	},
	language.Polish: {
		"camera-feedback-scan-front":   "Umieść przednią stronę karty",
		"camera-feedback-scan-back":    "Umieść tylną stronę karty",
		"camera-feedback-flip":         "Odwróć na drugą stronę",
		"camera-feedback-move-farther": "Odsuń dalej",
		"camera-feedback-move-closer":  "Przysuń bliżej",
		"camera-feedback-adjust-angle": "Popraw kąt",
		KeyCameraNotAllowed:            "Brak dostępu do kamery",
		KeyScanUnsuccessful:            "Nie udało się rozpoznać karty. Spróbuj ponownie.",
	},
}

var supported = []language.Tag{
	language.English,
	language.Czech,
	language.Slovak,
	language.Polish,
}

var matcher = language.NewMatcher(supported)

// TranslationService resolves message keys to display text.
type TranslationService interface {
	Lookup(key string) string
	Locale() string
}

type translationService struct {
	locale    language.Tag
	overrides map[string]string
}

// NewTranslationService picks the closest supported locale and layers
// custom translations on top of it. Unknown locales fall back to English.
func NewTranslationService(locale string, overrides map[string]string) TranslationService {
	tag := MatchLocale(locale)
	custom := make(map[string]string, len(overrides))
	for k, v := range overrides {
		custom[k] = v
	}
	return &translationService{locale: tag, overrides: custom}
}

// MatchLocale maps a BCP 47 locale or Accept-Language value onto a supported catalog.
func MatchLocale(locale string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(strings.TrimSpace(locale))
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return language.English
	}
	return supported[idx]
}

// Lookup returns the custom translation, the locale's text, the English text,
// or the key itself, in that order.
func (s *translationService) Lookup(key string) string {
	if v, ok := s.overrides[key]; ok && v != "" {
		return v
	}
	if v, ok := catalog[s.locale][key]; ok {
		return v
	}
	if v, ok := catalog[language.English][key]; ok {
		return v
	}
	return key
}

func (s *translationService) Locale() string {
	return s.locale.String()
}
