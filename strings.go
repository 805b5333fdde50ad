package nomagic

var (
	defaultServerName  = []byte("nomagichttp")
	defaultContentType = []byte("text/plain; charset=utf-8")
)

var (
	strCRLF     = []byte("\r\n")
	strCRLFCRLF = []byte("\r\n\r\n")
	strHTTP11   = []byte("HTTP/1.1")

	strGet  = "GET"
	strHead = "HEAD"
	strPost = "POST"

	strConnection       = "Connection"
	strContentLength    = "Content-Length"
	strContentType      = "Content-Type"
	strDate             = "Date"
	strHost             = "Host"
	strServer           = "Server"
	strTrailer          = "Trailer"
	strTransferEncoding = "Transfer-Encoding"
	strContentEncoding  = "Content-Encoding"
	strAcceptEncoding   = "Accept-Encoding"
	strAccept           = "Accept"

	strClose   = "close"
	strChunked = "chunked"
)
