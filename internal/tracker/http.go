package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/WendelHime/btcore/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

type HTTPGetter struct {
	client *http.Client
}

func NewHTTPGetter(client *http.Client) PeersGetter {
	return &HTTPGetter{client: client}
}

func (h *HTTPGetter) GetPeers(ctx context.Context, announce string, req Announce) (Response, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return Response{}, err
	}

	query := tracker.Query()
	query.Add("info_hash", string(req.InfoHash[:]))
	query.Add("peer_id", string(req.PeerID[:]))
	query.Add("port", strconv.Itoa(int(req.Port)))
	query.Add("uploaded", strconv.FormatInt(req.Uploaded, 10))
	query.Add("downloaded", strconv.FormatInt(req.Downloaded, 10))
	query.Add("left", strconv.FormatInt(req.Left, 10))
	query.Add("compact", "1")
	if req.Event != EventNone {
		query.Add("event", req.Event.String())
	}
	if req.NumWant > 0 {
		query.Add("numwant", strconv.Itoa(req.NumWant))
	}
	tracker.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tracker.String(), nil)
	if err != nil {
		return Response{}, err
	}
	response, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("http error: %s", response.Status)
	}

	return decodeHTTPResponse(response.Body)
}

// decodeHTTPResponse accepts both the compact peer string and the older
// list of peer dictionaries.
func decodeHTTPResponse(body io.Reader) (Response, error) {
	decoded, err := bencode.Decode(body)
	if err != nil {
		return Response{}, err
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return Response{}, fmt.Errorf("%w: not a dictionary", ErrInvalidResponse)
	}
	if reason, ok := dict["failure reason"].(string); ok {
		return Response{}, fmt.Errorf("%w: %s", ErrTrackerFailure, reason)
	}

	var resp Response
	if interval, ok := dict["interval"].(int64); ok {
		resp.Interval = time.Duration(interval) * time.Second
	}

	switch peers := dict["peers"].(type) {
	case string:
		addrs, err := models.ParseCompactPeers([]byte(peers))
		if err != nil {
			return Response{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		for _, addr := range addrs {
			resp.Peers = append(resp.Peers, models.Peer{Addr: addr})
		}
	case []interface{}:
		for _, p := range peers {
			entry, ok := p.(map[string]interface{})
			if !ok {
				return Response{}, fmt.Errorf("%w: peer entry", ErrInvalidResponse)
			}
			ip, _ := entry["ip"].(string)
			port, _ := entry["port"].(int64)
			id, _ := entry["peer id"].(string)
			parsed := net.ParseIP(ip)
			if parsed == nil || port <= 0 || port > 65535 {
				continue
			}
			resp.Peers = append(resp.Peers, models.Peer{Addr: models.Addr{IP: parsed, Port: uint16(port)}, PeerID: id})
		}
	case nil:
	default:
		return Response{}, fmt.Errorf("%w: peers of type %T", ErrInvalidResponse, peers)
	}
	return resp, nil
}
