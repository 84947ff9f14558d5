package client

import (
	"fmt"
	"io"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"devtunnel/internal/constants"
)

const (
	ColorReset  = constants.ColorReset
	ColorBold   = constants.ColorBold
	ColorDim    = constants.ColorDim
	ColorCyan   = constants.ColorCyan
	ColorGreen  = constants.ColorGreen
	ColorYellow = constants.ColorYellow
	ColorRed    = constants.ColorRed
	ColorPurple = constants.ColorPurple
)

func PrintBanner(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s%s%s%s %sv%s%s\n", ColorBold, ColorCyan, constants.AppName, ColorReset, ColorBold, constants.Version, ColorReset)
	fmt.Fprintf(w, "  %sReverse HTTP tunnel client%s\n", ColorDim, ColorReset)
	fmt.Fprintln(w)
}

func PrintField(w io.Writer, label, value, valueColor string) {
	fmt.Fprintf(w, "  %s%-12s%s %s%s%s\n", ColorDim, label, ColorReset, valueColor, value, ColorReset)
}

func PrintSep(w io.Writer) {
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", 102))
}

// PrintTunnel shows the bound server port between separator lines; that
// port is what web traffic has to be sent to.
func PrintTunnel(w io.Writer, serverPort, targetPort int, userID, publicURL string, showQR bool) {
	PrintSep(w)
	fmt.Fprintf(w, "TUNNEL[%d:%d] - Tunnel Server Port: %s%d%s, UserId: %s\n",
		serverPort, targetPort, ColorGreen, serverPort, ColorReset, userID)
	PrintSep(w)
	PrintField(w, "public url", publicURL, ColorYellow)
	PrintField(w, "local", fmt.Sprintf("%s:%d", constants.LocalAppHost, targetPort), ColorReset)
	if showQR {
		if qr, err := RenderQR(publicURL); err == nil {
			fmt.Fprintln(w)
			fmt.Fprint(w, qr)
		}
	}
	fmt.Fprintln(w)
}

// RenderQR draws url as a QR code made of terminal block characters.
func RenderQR(url string) (string, error) {
	q, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}
