package sdo

// processIncoming dispatches a freshly received client frame to the right
// rx handler. When idle, the command specifier (ccs, the top 3 bits of the
// command byte) tells us which service is being requested; the transient
// stateXxxReq value is stashed on s.state before calling updateStreamer so
// it can tell upload and download requests apart. Once a transfer is under
// way, s.state alone (set by the previous txXxx call) says what kind of
// frame we are expecting next.
func (s *SDOServer) processIncoming(rx SDOMessage) error {

	if s.state == stateIdle {
		ccs := rx.raw[0] >> 5
		switch ccs {
		case 1:
			// Initiate download request
			s.state = stateDownloadInitiateReq
			if err := s.updateStreamer(rx); err != nil {
				return err
			}
			return s.rxDownloadInitiate(rx)

		case 2:
			// Initiate upload request
			s.state = stateUploadInitiateReq
			if err := s.updateStreamer(rx); err != nil {
				return err
			}
			return s.rxUploadInitiate(rx)

		case 6:
			// Initiate block download request
			s.state = stateDownloadBlkInitiateReq
			if err := s.updateStreamer(rx); err != nil {
				return err
			}
			return s.rxDownloadBlockInitiate(rx)

		case 5:
			// Initiate block upload request
			s.state = stateUploadBlkInitiateReq
			if err := s.updateStreamer(rx); err != nil {
				return err
			}
			return s.rxUploadBlockInitiate(rx)

		default:
			return AbortCmd
		}
	}

	switch s.state {
	case stateDownloadSegmentReq:
		return s.rxDownloadSegment(rx)

	case stateUploadSegmentReq:
		return s.rxUploadSegment(rx)

	case stateDownloadBlkSubblockReq:
		return s.rxDownloadBlockSubBlock(rx)

	case stateDownloadBlkEndReq:
		return s.rxDownloadBlockEnd(rx)

	case stateUploadBlkInitiateReq2, stateUploadBlkSubblockCrsp:
		return s.rxUploadSubBlock(rx)

	case stateUploadBlkEndCrsp:
		// Final ack for the block upload end frame, no reply expected.
		s.state = stateIdle
		return nil

	default:
		return AbortCmd
	}
}

func (s *SDOServer) processOutgoing() error {
	var err error

	s.txBuffer.Data = [8]byte{0}

	switch s.state {
	case stateDownloadInitiateRsp:
		s.txDownloadInitiate()

	case stateDownloadSegmentRsp:
		s.txDownloadSegment()

	case stateUploadInitiateRsp:
		s.txUploadInitiate()

	case stateUploadExpeditedRsp:
		s.txUploadExpedited()

	case stateUploadSegmentRsp:
		err = s.txUploadSegment()

	case stateDownloadBlkInitiateRsp:
		s.txDownloadBlockInitiate()

	case stateDownloadBlkSubblockRsp:
		err = s.txDownloadBlockSubBlock()

	case stateDownloadBlkEndRsp:
		s.txDownloadBlockEnd()

	case stateUploadBlkInitiateRsp:
		s.txUploadBlockInitiate()

	case stateUploadBlkSubblockSreq:
		err = s.txUploadBlockSubBlock()
		if err != nil {
			return err
		}
		s.processOutgoing()

	case stateUploadBlkEndSreq:
		s.txUploadBlockEnd()
	}
	return err
}

func (s *SDOServer) txAbort(err error) {
	if sdoAbort, ok := err.(Abort); !ok {
		s.logger.Error("[TX] abort internal error: unknown abort code", "err", err)
		s.SendAbort(AbortGeneral)
	} else {
		s.SendAbort(sdoAbort)
	}
	s.state = stateIdle
}
