package printer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/gousb"
)

// USB drives a printer through libusb. When no out endpoint is configured
// the first bulk OUT endpoint of the default interface is used.
type USB struct {
	vendorID     gousb.ID
	productID    gousb.ID
	outEndpoint  int
	probeTimeout time.Duration
}

func NewUSB(vendorID, productID uint16, outEndpoint int, probeTimeout time.Duration) *USB {
	return &USB{
		vendorID:     gousb.ID(vendorID),
		productID:    gousb.ID(productID),
		outEndpoint:  outEndpoint,
		probeTimeout: probeTimeout,
	}
}

func (u *USB) Kind() Kind { return KindUSB }

func (u *USB) Address() string {
	return fmt.Sprintf("%s:%s", u.vendorID, u.productID)
}

// session holds every handle opened for one probe or send.
type session struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	done func()
	out  *gousb.OutEndpoint
}

func (s *session) close() {
	if s.done != nil {
		s.done()
	}
	if s.dev != nil {
		s.dev.Close()
	}
	if s.ctx != nil {
		s.ctx.Close()
	}
}

func (u *USB) open(op string) (*session, error) {
	s := &session{ctx: gousb.NewContext()}

	dev, err := s.ctx.OpenDeviceWithVIDPID(u.vendorID, u.productID)
	if err != nil {
		s.close()
		return nil, usbError(op, err)
	}
	if dev == nil {
		s.close()
		return nil, newError(KindNotConnected, op, fmt.Errorf("device %s not found", u.Address()))
	}
	s.dev = dev

	if err := dev.SetAutoDetach(true); err != nil {
		s.close()
		return nil, usbError(op, err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		s.close()
		return nil, usbError(op, err)
	}
	s.done = done

	num, err := pickOutEndpoint(intf.Setting.Endpoints, u.outEndpoint)
	if err != nil {
		s.close()
		return nil, newError(KindNotConnected, op, err)
	}

	out, err := intf.OutEndpoint(num)
	if err != nil {
		s.close()
		return nil, usbError(op, err)
	}
	s.out = out
	return s, nil
}

// Probe claims the printer interface and releases it again.
func (u *USB) Probe(ctx context.Context) error {
	ctx, cancel := probeContext(ctx, u.probeTimeout)
	defer cancel()

	return runWithContext(ctx, "probe", func() error {
		s, err := u.open("probe")
		if err != nil {
			return err
		}
		s.close()
		return nil
	}, func() {})
}

func (u *USB) Send(ctx context.Context, payload []byte) error {
	s, err := u.open("send")
	if err != nil {
		return err
	}
	defer s.close()

	if _, err := s.out.WriteContext(ctx, payload); err != nil {
		if ctx.Err() != nil {
			return newError(KindTimeout, "send", err)
		}
		return usbError("send", err)
	}
	return nil
}

func (u *USB) Close() error { return nil }

func pickOutEndpoint(endpoints map[gousb.EndpointAddress]gousb.EndpointDesc, preferred int) (int, error) {
	var candidates []int
	for _, ep := range endpoints {
		if ep.Direction != gousb.EndpointDirectionOut {
			continue
		}
		if preferred > 0 && ep.Number == preferred {
			return ep.Number, nil
		}
		if ep.TransferType == gousb.TransferTypeBulk {
			candidates = append(candidates, ep.Number)
		}
	}
	if preferred > 0 {
		return 0, fmt.Errorf("out endpoint %d not present", preferred)
	}
	if len(candidates) == 0 {
		return 0, errors.New("no bulk out endpoint")
	}
	sort.Ints(candidates)
	return candidates[0], nil
}

func usbError(op string, err error) error {
	var uerr gousb.Error
	if errors.As(err, &uerr) {
		switch uerr {
		case gousb.ErrorBusy:
			return newError(KindBusy, op, err)
		case gousb.ErrorNoDevice, gousb.ErrorNotFound, gousb.ErrorAccess:
			return newError(KindNotConnected, op, err)
		case gousb.ErrorTimeout:
			return newError(KindTimeout, op, err)
		}
	}
	var terr gousb.TransferStatus
	if errors.As(err, &terr) {
		switch terr {
		case gousb.TransferTimedOut:
			return newError(KindTimeout, op, err)
		case gousb.TransferNoDevice:
			return newError(KindNotConnected, op, err)
		case gousb.TransferStall:
			return newError(KindBusy, op, err)
		}
	}
	return newError(KindIO, op, err)
}
