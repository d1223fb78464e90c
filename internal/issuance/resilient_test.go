package issuance_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"delegation-broker/internal/issuance"
	"delegation-broker/internal/issuance/mocks"
	"delegation-broker/pkg/platform/sentinel"
	"delegation-broker/pkg/scope"
)

type ResilientSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	next    *mocks.MockIssuer
	metrics *issuance.Metrics
	issuer  *issuance.Resilient
	grant   issuance.Grant
}

func TestResilientSuite(t *testing.T) {
	suite.Run(t, new(ResilientSuite))
}

func (s *ResilientSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.next = mocks.NewMockIssuer(s.ctrl)
	s.metrics = issuance.NewMetrics(prometheus.NewRegistry())
	s.issuer = issuance.NewResilient(s.next,
		issuance.WithRetries(3, time.Millisecond),
		issuance.WithMetrics(s.metrics),
		issuance.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.grant = issuance.Grant{Pair: verifiedPair(), Target: inventoryTarget(), Scopes: scope.New("inventory:read")}
}

func (s *ResilientSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ResilientSuite) TestTransientFailureIsRetried() {
	gomock.InOrder(
		s.next.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(issuance.IssuedToken{}, sentinel.ErrUnavailable),
		s.next.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(issuance.IssuedToken{Ref: "jti-1"}, nil),
	)

	tok, err := s.issuer.Issue(context.Background(), s.grant)
	s.Require().NoError(err)
	s.Equal("jti-1", tok.Ref)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Retries.WithLabelValues("inventory")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Issued.WithLabelValues("inventory", "issued")))
}

func (s *ResilientSuite) TestRejectionIsNotRetried() {
	s.next.EXPECT().Issue(gomock.Any(), gomock.Any()).
		Return(issuance.IssuedToken{}, errors.Join(sentinel.ErrRejected, errors.New("invalid_grant"))).
		Times(1)

	_, err := s.issuer.Issue(context.Background(), s.grant)
	s.Require().Error(err)
	s.True(errors.Is(err, sentinel.ErrRejected))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Issued.WithLabelValues("inventory", "rejected")))
}

func (s *ResilientSuite) TestRetriesAreBounded() {
	s.next.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(issuance.IssuedToken{}, sentinel.ErrUnavailable).Times(3)

	_, err := s.issuer.Issue(context.Background(), s.grant)
	s.True(errors.Is(err, sentinel.ErrUnavailable))
}

func (s *ResilientSuite) TestBreakerOpensAfterRepeatedOutages() {
	issuer := issuance.NewResilient(s.next,
		issuance.WithRetries(1, 0),
		issuance.WithMetrics(s.metrics),
		issuance.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.next.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(issuance.IssuedToken{}, sentinel.ErrUnavailable).Times(5)

	for range 5 {
		_, err := issuer.Issue(context.Background(), s.grant)
		s.Require().Error(err)
	}

	// open breaker short-circuits without reaching the issuer
	_, err := issuer.Issue(context.Background(), s.grant)
	s.True(errors.Is(err, sentinel.ErrUnavailable))
	s.Equal(2.0, testutil.ToFloat64(s.metrics.Breakers.WithLabelValues("inventory")))
}

func (s *ResilientSuite) TestCancelledContextStopsRetries() {
	ctx, cancel := context.WithCancel(context.Background())
	s.next.EXPECT().Issue(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, issuance.Grant) (issuance.IssuedToken, error) {
			cancel()
			return issuance.IssuedToken{}, sentinel.ErrUnavailable
		}).Times(1)

	_, err := s.issuer.Issue(ctx, s.grant)
	s.Error(err)
}

func (s *ResilientSuite) TestRouter() {
	local := mocks.NewMockIssuer(s.ctrl)
	remote := mocks.NewMockIssuer(s.ctrl)
	router := issuance.NewRouter(local, remote)

	local.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(issuance.IssuedToken{Ref: "local"}, nil)
	tok, err := router.Issue(context.Background(), s.grant)
	s.Require().NoError(err)
	s.Equal("local", tok.Ref)

	g := s.grant
	g.Target.TokenEndpoint = "https://inventory.progear.example/token"
	remote.EXPECT().Issue(gomock.Any(), g).Return(issuance.IssuedToken{Ref: "remote"}, nil)
	tok, err = router.Issue(context.Background(), g)
	s.Require().NoError(err)
	s.Equal("remote", tok.Ref)
}
