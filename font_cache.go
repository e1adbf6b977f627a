package compositor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
)

// FontAvailability makes sure a font family is usable before text is
// measured or drawn with it.
type FontAvailability interface {
	EnsureFont(ctx context.Context, family string) error
}

// fontKey uniquely identifies a measurement face by family and weight.
type fontKey struct {
	name string
	bold bool
}

// measureSize is the size measurement faces are built at. Unhinted advances
// scale linearly, so widths at other sizes are derived from it.
const measureSize = 100

// FontCache manages TrueType font loading and face caching.
// It searches system font directories and user-specified directories
// for .ttf, .otf and collection files. Families that cannot be found fall
// back to the embedded Go fonts, so a face is always available.
//
// FontCache is safe for concurrent use.
type FontCache struct {
	mu           sync.RWMutex
	dirs         []string                  // directories to search for fonts
	fonts        map[string]*opentype.Font // lowercase font name -> parsed font
	measureFaces map[fontKey]font.Face     // unhinted faces at measureSize
	measureMu    sync.Mutex                // faces are not safe for concurrent use
	scanned      bool

	regular *opentype.Font
	bold    *opentype.Font
}

// NewFontCache creates a FontCache that searches the given directories
// plus the OS default font directories.
func NewFontCache(extraDirs ...string) *FontCache {
	dirs := append(systemFontDirs(), extraDirs...)
	return newFontCache(dirs)
}

// NewIsolatedFontCache creates a FontCache that only searches dirs. With no
// dirs every family resolves to the embedded fallback, which makes
// measurements reproducible across machines.
func NewIsolatedFontCache(dirs ...string) *FontCache {
	return newFontCache(dirs)
}

func newFontCache(dirs []string) *FontCache {
	fc := &FontCache{
		dirs:         dirs,
		fonts:        make(map[string]*opentype.Font),
		measureFaces: make(map[fontKey]font.Face),
	}
	// The embedded fonts are known-good; a parse failure is a build defect.
	var err error
	if fc.regular, err = opentype.Parse(goregular.TTF); err != nil {
		panic(fmt.Sprintf("compositor: parse embedded regular font: %v", err))
	}
	if fc.bold, err = opentype.Parse(gobold.TTF); err != nil {
		panic(fmt.Sprintf("compositor: parse embedded bold font: %v", err))
	}
	return fc
}

// Face returns a hinted face for drawing text at sizePx pixels. Missing
// families resolve to the embedded fallback. The face is owned by the
// caller and must not be shared between goroutines.
func (fc *FontCache) Face(family string, sizePx float64, bold bool) font.Face {
	f := fc.resolve(family, bold)
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    sizePx,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		// Only invalid sizes get here.
		face, _ = opentype.NewFace(fc.regular, &opentype.FaceOptions{Size: MinFontSize, DPI: 72})
	}
	return face
}

// MeasureText returns the advance width of a single line of text drawn at
// sizePx pixels. It implements TextMeasurer.
func (fc *FontCache) MeasureText(family string, sizePx float64, text string) float64 {
	return fc.measure(family, false, sizePx, text)
}

// MeasureTextWeight measures like MeasureText with an explicit weight.
func (fc *FontCache) MeasureTextWeight(family string, bold bool, sizePx float64, text string) float64 {
	return fc.measure(family, bold, sizePx, text)
}

func (fc *FontCache) measure(family string, bold bool, sizePx float64, text string) float64 {
	if text == "" || sizePx <= 0 {
		return 0
	}
	key := fontKey{name: strings.ToLower(family), bold: bold}

	fc.measureMu.Lock()
	defer fc.measureMu.Unlock()
	face, ok := fc.measureFaces[key]
	if !ok {
		var err error
		face, err = opentype.NewFace(fc.resolve(family, bold), &opentype.FaceOptions{
			Size:    measureSize,
			DPI:     72,
			Hinting: font.HintingNone,
		})
		if err != nil {
			return 0
		}
		fc.measureFaces[key] = face
	}
	adv := font.MeasureString(face, text)
	return fixedToFloat(adv) * sizePx / measureSize
}

// EnsureFont reports whether family is installed. Generic CSS families
// always succeed since they map to the fallback font.
func (fc *FontCache) EnsureFont(ctx context.Context, family string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if family == "" || isGenericFamily(family) {
		return nil
	}
	fc.ensureScanned()
	if fc.findFont(family, false) == nil {
		return fmt.Errorf("%w: %s", ErrFontUnavailable, family)
	}
	return nil
}

// Families returns the registered font names, lowercased.
func (fc *FontCache) Families() []string {
	fc.ensureScanned()
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	out := make([]string, 0, len(fc.fonts))
	for name := range fc.fonts {
		out = append(out, name)
	}
	return out
}

// resolve returns the font for family, or the embedded fallback.
func (fc *FontCache) resolve(family string, bold bool) *opentype.Font {
	if family != "" && !isGenericFamily(family) {
		fc.ensureScanned()
		if f := fc.findFont(family, bold); f != nil {
			return f
		}
	}
	if bold {
		return fc.bold
	}
	return fc.regular
}

// findFont looks up a parsed font by name, trying bold variants first.
func (fc *FontCache) findFont(name string, bold bool) *opentype.Font {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	lower := strings.ToLower(strings.TrimSpace(name))

	// Windows names bold files "arialbd", fontconfig installs use " bold".
	if bold {
		for _, suffix := range []string{" bold", "-bold", "bd", "b"} {
			if f, ok := fc.fonts[lower+suffix]; ok {
				return f
			}
		}
	}
	if f, ok := fc.fonts[lower]; ok {
		return f
	}
	if f, ok := fc.fonts[lower+"-regular"]; ok {
		return f
	}
	return nil
}

// LoadFont manually loads a TrueType/OpenType font file and registers it under the given name.
// Returns an error if the file exceeds maxFontFileSize.
func (fc *FontCache) LoadFont(name string, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxFontFileSize {
		return fmt.Errorf("font file too large: %d bytes (max %d)", info.Size(), maxFontFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return fc.LoadFontData(name, data)
}

// LoadFontData registers a TrueType/OpenType font from raw bytes.
func (fc *FontCache) LoadFontData(name string, data []byte) error {
	f, err := opentype.Parse(data)
	if err != nil {
		return err
	}
	fc.mu.Lock()
	fc.fonts[strings.ToLower(name)] = f
	fc.registerByFamilyName(f)
	fc.mu.Unlock()

	// Drop measurement faces built from the fallback for this name.
	fc.measureMu.Lock()
	for k := range fc.measureFaces {
		if k.name == strings.ToLower(name) {
			delete(fc.measureFaces, k)
		}
	}
	fc.measureMu.Unlock()
	return nil
}

func (fc *FontCache) ensureScanned() {
	fc.mu.RLock()
	scanned := fc.scanned
	fc.mu.RUnlock()
	if scanned {
		return
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.scanned {
		return
	}
	fc.scanned = true

	for _, dir := range fc.dirs {
		fc.scanDirDepth(dir, 0)
	}
}

// maxFontScanDepth limits recursive directory traversal when scanning for fonts.
const maxFontScanDepth = 3

// maxFontFileSize limits the size of individual font files loaded into memory.
const maxFontFileSize = 20 << 20 // 20 MB

func (fc *FontCache) scanDirDepth(dir string, depth int) {
	if depth > maxFontScanDepth {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			fc.scanDirDepth(filepath.Join(dir, entry.Name()), depth+1)
			continue
		}
		name := entry.Name()
		lower := strings.ToLower(name)
		isCollection := strings.HasSuffix(lower, ".ttc") || strings.HasSuffix(lower, ".otc")
		isSingle := strings.HasSuffix(lower, ".ttf") || strings.HasSuffix(lower, ".otf")
		if !isCollection && !isSingle {
			continue
		}

		info, err := entry.Info()
		if err != nil || info.Size() > maxFontFileSize {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}

		if isCollection {
			fc.loadCollection(data, lower)
		} else {
			fc.loadSingleFont(data, lower)
		}
	}
}

// loadSingleFont registers a font by file name and internal family name.
func (fc *FontCache) loadSingleFont(data []byte, lowerFilename string) {
	f, err := opentype.Parse(data)
	if err != nil {
		return
	}
	baseName := strings.TrimSuffix(lowerFilename, filepath.Ext(lowerFilename))
	fc.fonts[baseName] = f
	fc.registerByFamilyName(f)
}

// loadCollection registers every font of a TTC/OTC collection.
func (fc *FontCache) loadCollection(data []byte, lowerFilename string) {
	coll, err := opentype.ParseCollection(data)
	if err != nil {
		return
	}
	for i := 0; i < coll.NumFonts(); i++ {
		f, err := coll.Font(i)
		if err != nil {
			continue
		}
		if i == 0 {
			baseName := strings.TrimSuffix(lowerFilename, filepath.Ext(lowerFilename))
			fc.fonts[baseName] = f
		}
		fc.registerByFamilyName(f)
	}
}

// registerByFamilyName registers f under its family and full names. A
// family name never overwrites an existing entry, so "Inter" keeps pointing
// at the regular face even when "Inter Bold" is scanned later.
func (fc *FontCache) registerByFamilyName(f *opentype.Font) {
	if familyName, err := f.Name(nil, sfnt.NameIDFamily); err == nil && familyName != "" {
		key := strings.ToLower(familyName)
		if sub, err := f.Name(nil, sfnt.NameIDSubfamily); err == nil && isRegularSubfamily(sub) {
			fc.fonts[key] = f
		} else if _, exists := fc.fonts[key]; !exists {
			fc.fonts[key] = f
		}
	}
	if fullName, err := f.Name(nil, sfnt.NameIDFull); err == nil && fullName != "" {
		fc.fonts[strings.ToLower(fullName)] = f
	}
}

func isRegularSubfamily(sub string) bool {
	switch strings.ToLower(sub) {
	case "regular", "normal", "book", "roman":
		return true
	}
	return false
}

// genericFamilies are CSS generic family keywords.
var genericFamilies = map[string]bool{
	"serif":      true,
	"sans-serif": true,
	"monospace":  true,
	"system-ui":  true,
	"cursive":    true,
	"fantasy":    true,
}

func isGenericFamily(family string) bool {
	return genericFamilies[strings.ToLower(strings.TrimSpace(family))]
}

// systemFontDirs returns OS-specific font directories.
func systemFontDirs() []string {
	switch runtime.GOOS {
	case "windows":
		windir := os.Getenv("WINDIR")
		if windir == "" {
			windir = `C:\Windows`
		}
		dirs := []string{filepath.Join(windir, "Fonts")}
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			dirs = append(dirs, filepath.Join(localAppData, "Microsoft", "Windows", "Fonts"))
		}
		return dirs
	case "darwin":
		home, _ := os.UserHomeDir()
		dirs := []string{"/System/Library/Fonts", "/Library/Fonts"}
		if home != "" {
			dirs = append(dirs, filepath.Join(home, "Library", "Fonts"))
		}
		return dirs
	default: // linux, freebsd, etc.
		home, _ := os.UserHomeDir()
		dirs := []string{"/usr/share/fonts", "/usr/local/share/fonts"}
		if home != "" {
			dirs = append(dirs,
				filepath.Join(home, ".local", "share", "fonts"),
				filepath.Join(home, ".fonts"))
		}
		return dirs
	}
}

func fixedToFloat(v fixed.Int26_6) float64 {
	return float64(v) / 64
}
