package shareddoc

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Sync provider: keeps a document converged with a remote peer over a
// websocket. On connect both sides exchange state vectors and the missing
// updates (sync step 1/2), then every local commit is forwarded through a
// bounded event stream and every received update is applied under a
// connection-scoped origin so that it is not echoed back.
//
// Frames are one tag byte followed by opaque engine bytes. The update wire
// format itself belongs to the engine.

const (
	frameSync1  = byte(1)
	frameSync2  = byte(2)
	frameUpdate = byte(3)
)

type ProviderSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	ReconnectTimeout   time.Duration
	EventBufferSize    int
}

func DefaultProviderSettings() *ProviderSettings {
	return &ProviderSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		EventBufferSize:    32,
	}
}

type Provider struct {
	ctx    context.Context
	cancel context.CancelFunc

	doc *Doc
	url string

	settings *ProviderSettings
}

func NewProviderWithDefaults(ctx context.Context, doc *Doc, url string) *Provider {
	return NewProvider(ctx, doc, url, DefaultProviderSettings())
}

func NewProvider(ctx context.Context, doc *Doc, url string, settings *ProviderSettings) *Provider {
	cancelCtx, cancel := context.WithCancel(ctx)
	provider := &Provider{
		ctx:      cancelCtx,
		cancel:   cancel,
		doc:      doc,
		url:      url,
		settings: settings,
	}
	go provider.run()
	return provider
}

func (self *Provider) Close() {
	self.cancel()
}

func (self *Provider) run() {
	defer self.cancel()
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[provider]connect %s: %s\n", self.url, err)
		} else {
			if err := runSync(self.ctx, self.doc, ws, self.settings); err != nil {
				glog.Infof("[provider]sync with %s ended: %s\n", self.url, err)
			}
			ws.Close()
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// the accepting side of the sync protocol. each connection syncs the same
// document under its own origin, so updates relay between connected peers.
type ProviderServer struct {
	ctx context.Context
	doc *Doc

	settings *ProviderSettings
	upgrader *websocket.Upgrader
}

func NewProviderServerWithDefaults(ctx context.Context, doc *Doc) *ProviderServer {
	return NewProviderServer(ctx, doc, DefaultProviderSettings())
}

func NewProviderServer(ctx context.Context, doc *Doc, settings *ProviderSettings) *ProviderServer {
	return &ProviderServer{
		ctx:      ctx,
		doc:      doc,
		settings: settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
	}
}

func (self *ProviderServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[provider]upgrade: %s\n", err)
		return
	}
	defer ws.Close()
	if err := runSync(self.ctx, self.doc, ws, self.settings); err != nil {
		glog.Infof("[provider]sync ended: %s\n", err)
	}
}

// pointer identity tags one connection's transactions
type syncOrigin struct {
}

func runSync(ctx context.Context, doc *Doc, ws *websocket.Conn, settings *ProviderSettings) error {
	handleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// unblock the read loop on teardown
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	origin := &syncOrigin{}
	sendC := make(chan []byte, 8)
	sendC <- syncFrame(frameSync1, doc.GetState())

	stream := doc.Events(EventKindCommit, settings.EventBufferSize)
	defer stream.Close()

	go func() {
		defer cancel()
		pingTicker := time.NewTicker(settings.PingTimeout)
		defer pingTicker.Stop()
		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-sendC:
				ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					return
				}
			case event, ok := <-stream.Ch():
				if !ok {
					// evicted as a slow consumer. reconnect and resync.
					return
				}
				transactionEvent, ok := event.(TransactionEvent)
				if !ok {
					continue
				}
				if o, ok := transactionEvent.Origin.(*syncOrigin); ok && o == origin {
					// our own apply. do not echo.
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, syncFrame(frameUpdate, transactionEvent.Update)); err != nil {
					return
				}
			case <-pingTicker.C:
				ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	})
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-handleCtx.Done():
				return nil
			default:
				return err
			}
		}
		ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		if len(message) == 0 {
			continue
		}
		tag := message[0]
		body := message[1:]
		switch tag {
		case frameSync1:
			update, err := doc.GetUpdate(body)
			if err != nil {
				glog.Infof("[provider]bad state vector: %s\n", err)
				continue
			}
			select {
			case sendC <- syncFrame(frameSync2, update):
			case <-handleCtx.Done():
				return nil
			}
		case frameSync2, frameUpdate:
			if len(body) == 0 {
				continue
			}
			if err := applyRemote(handleCtx, doc, origin, body); err != nil {
				glog.Infof("[provider]apply update: %s\n", err)
			}
		default:
			glog.Infof("[provider]unknown frame tag %d\n", tag)
		}
	}
}

func syncFrame(tag byte, body []byte) []byte {
	frame := make([]byte, 0, 1+len(body))
	frame = append(frame, tag)
	frame = append(frame, body...)
	return frame
}

func applyRemote(ctx context.Context, doc *Doc, origin *syncOrigin, update []byte) error {
	txn, err := doc.NewTransactionContext(ctx, origin, 0)
	if err != nil {
		return err
	}
	defer txn.Commit()
	return doc.ApplyUpdate(update)
}
